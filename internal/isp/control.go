package isp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ispflash/internal/monitoring"
)

// ControlChannel runs short half-duplex exchanges: write one control request,
// then block on the transport for a fixed-size command-response. Event
// delivery is paused for the duration so the reply bytes are read directly.
type ControlChannel struct {
	mu       sync.Mutex
	cfg      Config
	link     Link
	waiting  bool
	err      error
	spurious int
}

// NewControlChannel creates an idle control channel over link.
func NewControlChannel(cfg Config, link Link) *ControlChannel {
	return &ControlChannel{cfg: cfg, link: link}
}

// Opcodes lists command-response so stray replies that arrive in event mode
// are accounted for rather than dropped as unrouted.
func (c *ControlChannel) Opcodes() []byte { return []byte{RespCommand} }

// HandleFrame counts a command-response that arrived outside Execute.
func (c *ControlChannel) HandleFrame(payload []byte) {
	c.mu.Lock()
	c.spurious++
	n := c.spurious
	c.mu.Unlock()
	monitoring.Debugf("isp ctl: stray %s (%d bytes), %d so far", OpcodeName(payload[0]), len(payload), n)
}

// Execute writes req and waits up to timeout for a reply whose payload,
// [0xA0][n][data], is expectedLen bytes. On success it returns the n data
// bytes.
func (c *ControlChannel) Execute(ctx context.Context, req []byte, expectedLen int, timeout time.Duration) ([]byte, Result) {
	c.mu.Lock()
	if c.waiting {
		c.mu.Unlock()
		return nil, ResultFailed
	}
	c.waiting = true
	c.err = nil
	c.mu.Unlock()

	data, res, err := c.exchange(ctx, req, expectedLen, timeout)

	c.mu.Lock()
	c.waiting = false
	c.err = err
	if res == ResultSpurious {
		c.spurious++
	}
	c.mu.Unlock()

	if err != nil {
		monitoring.Logf("isp ctl: %s: %v", res, err)
	}
	return data, res
}

func (c *ControlChannel) exchange(ctx context.Context, req []byte, expectedLen int, timeout time.Duration) ([]byte, Result, error) {
	frame, err := Encode(req)
	if err != nil {
		return nil, ResultFailed, err
	}
	if err := c.link.Pause(); err != nil {
		return nil, ResultFailed, fmt.Errorf("pause event delivery: %w", err)
	}
	defer func() {
		if err := c.link.Resume(); err != nil {
			monitoring.Logf("isp ctl: resume event delivery: %v", err)
		}
	}()

	c.link.Drain()
	if err := c.link.Write(frame); err != nil {
		return nil, ResultFailed, fmt.Errorf("write control request: %w", err)
	}
	c.cfg.clock().Sleep(c.cfg.SettleDelay)
	if err := ctx.Err(); err != nil {
		return nil, ResultFailed, err
	}

	raw, err := c.link.Poll(ctx, expectedLen+FrameOverhead, timeout)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ResultFailed, ctxErr
	}
	if err != nil {
		return nil, ResultNoResponse, fmt.Errorf("poll reply: %w", err)
	}
	if len(raw) == 0 {
		return nil, ResultNoResponse, fmt.Errorf("no reply within %s", timeout)
	}

	payload, err := Decode(raw)
	if err != nil {
		return nil, ResultNoResponse, err
	}
	if payload[0] != RespCommand {
		return nil, ResultSpurious, fmt.Errorf("expected %s, got %s", OpcodeName(RespCommand), OpcodeName(payload[0]))
	}
	if len(payload) < 2 || int(payload[1]) > len(payload)-2 {
		return nil, ResultNoResponse, fmt.Errorf("%w: command-response declares more data than it carries", ErrBadFrame)
	}
	n := int(payload[1])
	return append([]byte(nil), payload[2:2+n]...), ResultSuccess, nil
}

// Reset clears the last error. It does not interrupt an exchange in flight.
func (c *ControlChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
}

// Busy reports whether an exchange is in flight.
func (c *ControlChannel) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Err returns the cause of the last unsuccessful exchange.
func (c *ControlChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Spurious returns the number of unexpected command-responses seen.
func (c *ControlChannel) Spurious() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spurious
}
