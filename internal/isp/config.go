package isp

import (
	"fmt"
	"time"

	"github.com/banshee-data/ispflash/internal/timeutil"
)

// AckDonePolicy decides what a missing ACK_DONE means once the last packet of
// a chunk has been acknowledged.
type AckDonePolicy int

const (
	// AckDoneAssumeSuccess treats silence as completion. Some peers finish a
	// chunk without ever sending ACK_DONE, so this is the default.
	AckDoneAssumeSuccess AckDonePolicy = iota

	// AckDoneFail treats silence as a failed transfer.
	AckDoneFail
)

func (p AckDonePolicy) String() string {
	switch p {
	case AckDoneAssumeSuccess:
		return "assume-success"
	case AckDoneFail:
		return "fail"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseAckDonePolicy accepts the names produced by String.
func ParseAckDonePolicy(s string) (AckDonePolicy, error) {
	switch s {
	case "", "assume-success":
		return AckDoneAssumeSuccess, nil
	case "fail":
		return AckDoneFail, nil
	default:
		return 0, fmt.Errorf("unknown ack-done policy %q: expected assume-success or fail", s)
	}
}

// Config holds protocol timing and retry limits for a session.
type Config struct {
	// AckTimeout bounds the wait for each ACK (and for the rx-mode-ack that
	// answers a chunk request).
	AckTimeout time.Duration

	// AckDoneTimeout bounds the wait for ACK_DONE after the last packet.
	AckDoneTimeout time.Duration

	// ReAckTimeout is the receive watchdog: if no packet follows an ACK in
	// this window the ACK is sent again.
	ReAckTimeout time.Duration

	// SettleDelay is the pause between writing a control request and polling
	// for its reply.
	SettleDelay time.Duration

	// CommandTimeout bounds the control reply poll used by Session.Command.
	CommandTimeout time.Duration

	// PollInterval is how often Execute samples engine state.
	PollInterval time.Duration

	// WatchInterval is the transport watchdog period.
	WatchInterval time.Duration

	PacketSize int
	TxMaxChunk int
	RxMaxChunk int

	// AckTimeoutLimit consecutive ack timeouts fail a transmit.
	AckTimeoutLimit int

	// NackLimit consecutive NACKs for the same sequence fail a transmit.
	NackLimit int

	// DuplicateAckLimit bounds resends triggered by repeated ACKs.
	DuplicateAckLimit int

	// OutOfOrderLimit consecutive bad packets fail a receive.
	OutOfOrderLimit int

	// ReAckLimit bounds watchdog resends on the receive side.
	ReAckLimit int

	// DuplicateLogThreshold is the duplicate packet count after which the
	// receive engine logs.
	DuplicateLogThreshold int

	AckDonePolicy AckDonePolicy

	Clock timeutil.Clock
}

// DefaultConfig returns the wire-compatible defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:            3 * time.Second,
		AckDoneTimeout:        3 * time.Second,
		ReAckTimeout:          3 * time.Second,
		SettleDelay:           20 * time.Millisecond,
		CommandTimeout:        500 * time.Millisecond,
		PollInterval:          10 * time.Millisecond,
		WatchInterval:         time.Second,
		PacketSize:            DefaultPacketSize,
		TxMaxChunk:            DefaultTxMaxChunk,
		RxMaxChunk:            DefaultRxMaxChunk,
		AckTimeoutLimit:       4,
		NackLimit:             3,
		DuplicateAckLimit:     3,
		OutOfOrderLimit:       3,
		ReAckLimit:            3,
		DuplicateLogThreshold: 5,
		AckDonePolicy:         AckDoneAssumeSuccess,
		Clock:                 timeutil.RealClock{},
	}
}

// Validate checks the limits that would otherwise break the wire format.
func (c Config) Validate() error {
	if c.PacketSize <= 0 || c.PacketSize > MaxPayload-PacketHeaderSize {
		return fmt.Errorf("packet size %d out of range 1..%d", c.PacketSize, MaxPayload-PacketHeaderSize)
	}
	if c.TxMaxChunk <= 0 {
		return fmt.Errorf("tx max chunk must be positive, got %d", c.TxMaxChunk)
	}
	if c.RxMaxChunk <= 0 {
		return fmt.Errorf("rx max chunk must be positive, got %d", c.RxMaxChunk)
	}
	// A chunk must fit in the 16-bit sequence space.
	if c.TxMaxChunk > c.PacketSize*0x10000 {
		return fmt.Errorf("tx max chunk %d needs more than 65536 packets", c.TxMaxChunk)
	}
	for name, d := range map[string]time.Duration{
		"ack timeout":      c.AckTimeout,
		"ack-done timeout": c.AckDoneTimeout,
		"re-ack timeout":   c.ReAckTimeout,
		"poll interval":    c.PollInterval,
		"command timeout":  c.CommandTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for name, n := range map[string]int{
		"ack timeout limit":   c.AckTimeoutLimit,
		"nack limit":          c.NackLimit,
		"duplicate ack limit": c.DuplicateAckLimit,
		"out-of-order limit":  c.OutOfOrderLimit,
		"re-ack limit":        c.ReAckLimit,
	} {
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, n)
		}
	}
	return nil
}

func (c Config) clock() timeutil.Clock {
	if c.Clock == nil {
		return timeutil.RealClock{}
	}
	return c.Clock
}
