package isp

import (
	"fmt"
	"sync"

	"github.com/banshee-data/ispflash/internal/monitoring"
)

type txState int

const (
	txIdle txState = iota
	txWaitReady
	txWaitAck
	txWaitAckDone
)

func (s txState) String() string {
	switch s {
	case txIdle:
		return "idle"
	case txWaitReady:
		return "wait-ready"
	case txWaitAck:
		return "wait-ack"
	case txWaitAckDone:
		return "wait-ack-done"
	default:
		return fmt.Sprintf("tx-state(%d)", int(s))
	}
}

// Transmitter drives host-to-device bulk transfers. A transfer is split into
// chunks negotiated one at a time; each chunk is streamed as sequence-numbered
// packets, one outstanding at a time, and closed by ACK_DONE.
//
// All state is guarded by mu. Frame handlers and timer callbacks both take it.
type Transmitter struct {
	mu    sync.Mutex
	cfg   Config
	out   FrameWriter
	reg   *Registry
	timer timerSlot

	state   txState
	result  Result
	err     error
	sub     byte
	params  []byte
	handler SubcommandHandler

	total int // declared size
	done  int // bytes in chunks closed by ACK_DONE (or assumed closed)

	chunk    []byte
	packets  int
	seq      uint16 // outstanding packet
	acked    int    // bytes acknowledged within the current chunk
	lastSent []byte

	timeouts int
	dupAcks  int
	nacks    int
	nackSeq  uint16

	// optimistic is set while the most recent chunk was closed by the
	// ack-done timeout rather than by the peer.
	optimistic bool
}

// NewTransmitter creates an idle transmit engine.
func NewTransmitter(cfg Config, out FrameWriter, reg *Registry) *Transmitter {
	return &Transmitter{
		cfg:   cfg,
		out:   out,
		reg:   reg,
		timer: timerSlot{clock: cfg.clock()},
	}
}

// Opcodes are the inbound frames the transmit engine owns.
func (t *Transmitter) Opcodes() []byte {
	return []byte{CmdRxReset, RespAck, RespNack, RespAckDone, RespRxModeAck, RespRxModeNack}
}

// StartOpcode is rx-data: the device receives what the host transmits.
func (t *Transmitter) StartOpcode() byte { return CmdRxData }

// Start opens a transfer from [0x55][sub][total:4][params].
func (t *Transmitter) Start(payload []byte) error {
	req, err := parseRequest(payload)
	if err != nil {
		return err
	}
	h, err := t.reg.Lookup(req.sub)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txIdle {
		return ErrBusy
	}
	t.clearLocked()
	t.sub = req.sub
	t.params = req.params
	t.handler = h
	t.total = int(req.size)
	t.result = ResultInProgress

	monitoring.Logf("isp tx: start sub=0x%02X total=%d", t.sub, t.total)
	t.negotiateLocked()
	return nil
}

// HandleFrame processes ACK, NACK, ACK_DONE, readiness replies and peer
// resets.
func (t *Transmitter) HandleFrame(payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch payload[0] {
	case RespRxModeAck:
		t.onReadyLocked(payload[1:])
	case RespRxModeNack:
		if t.state == txWaitReady {
			t.failLocked(fmt.Errorf("%w: rx-mode-nack for sub 0x%02X", ErrPeerRejected, t.sub))
		}
	case RespAck, RespNack, RespAckDone:
		a, ok := parseAck(payload)
		if !ok {
			monitoring.Debugf("isp tx: short %s (%d bytes)", OpcodeName(payload[0]), len(payload))
			return
		}
		switch a.opcode {
		case RespAck:
			t.onAckLocked(a)
		case RespNack:
			t.onNackLocked(a)
		case RespAckDone:
			t.onAckDoneLocked(a)
		}
	case CmdRxReset:
		if t.state != txIdle {
			t.failLocked(ErrPeerReset)
		}
	}
}

func (t *Transmitter) negotiateLocked() {
	size := t.chunkSizeLocked()
	t.chunk = nil
	t.packets = 0
	t.seq = 0
	t.acked = 0
	t.state = txWaitReady
	t.sendTrackedLocked(buildRequest(CmdRxData, t.sub, uint32(size), t.params))
	t.armAckLocked()
}

func (t *Transmitter) chunkSizeLocked() int {
	return min(t.total-t.done, t.cfg.TxMaxChunk)
}

func (t *Transmitter) onReadyLocked(handshake []byte) {
	if t.state != txWaitReady {
		monitoring.Debugf("isp tx: rx-mode-ack in state %s", t.state)
		return
	}
	size := t.chunkSizeLocked()
	data, err := produce(t.handler, t.sub, ChunkRequest{
		Handshake: handshake,
		Offset:    t.done,
		Size:      size,
	})
	if err != nil {
		t.failLocked(err)
		return
	}
	if len(data) == 0 && size == 0 {
		t.finishLocked()
		return
	}
	if len(data) != size {
		t.failLocked(&HandlerError{
			Subcommand: t.sub,
			Op:         "produce",
			Err:        fmt.Errorf("%w: produced %d bytes for a %d byte chunk", ErrBufferBounds, len(data), size),
		})
		return
	}

	t.chunk = data
	t.packets = (len(data) + t.cfg.PacketSize - 1) / t.cfg.PacketSize
	t.seq = 0
	t.acked = 0
	t.resetRetriesLocked()
	t.state = txWaitAck
	monitoring.Debugf("isp tx: chunk offset=%d size=%d packets=%d", t.done, size, t.packets)
	t.sendPacketLocked(0)
}

func (t *Transmitter) onAckLocked(a ack) {
	if t.state == txWaitAckDone && a.seq == uint16(t.packets-1) {
		// Repeat of the final ACK; ACK_DONE is still pending.
		return
	}
	if t.state != txWaitAck {
		monitoring.Debugf("isp tx: ack seq=%d in state %s", a.seq, t.state)
		return
	}
	if a.code == CodeFailed || a.code == CodeBufferOverflow {
		t.failLocked(&NackError{Seq: a.seq, Code: a.code})
		return
	}

	switch {
	case a.seq == t.seq:
		t.acked += len(t.packetDataLocked(t.seq))
		t.resetRetriesLocked()
		if int(t.seq)+1 < t.packets {
			t.seq++
			t.sendPacketLocked(t.seq)
			return
		}
		t.state = txWaitAckDone
		t.timer.arm(t.cfg.AckDoneTimeout, t.onAckDoneTimeout)

	case a.seq < t.seq:
		// The peer is still acknowledging an older packet, so it never saw
		// the outstanding one.
		t.dupAcks++
		if t.dupAcks > t.cfg.DuplicateAckLimit {
			t.failLocked(fmt.Errorf("%w: seq %d acknowledged %d times while %d outstanding",
				ErrDuplicateAcks, a.seq, t.dupAcks, t.seq))
			return
		}
		monitoring.Debugf("isp tx: duplicate ack seq=%d, resending seq=%d (%d/%d)",
			a.seq, t.seq, t.dupAcks, t.cfg.DuplicateAckLimit)
		t.sendPacketLocked(t.seq)

	default:
		monitoring.Debugf("isp tx: ack for unsent seq=%d (outstanding %d)", a.seq, t.seq)
	}
}

func (t *Transmitter) onNackLocked(a ack) {
	if t.state != txWaitAck && t.state != txWaitAckDone {
		monitoring.Debugf("isp tx: nack seq=%d in state %s", a.seq, t.state)
		return
	}
	if a.code != CodeSeqMismatch {
		t.failLocked(&NackError{Seq: a.seq, Code: a.code})
		return
	}
	if int(a.seq) >= t.packets || a.seq > t.seq {
		t.failLocked(fmt.Errorf("nack names unsent seq %d: %w", a.seq, &NackError{Seq: a.seq, Code: a.code}))
		return
	}

	if t.nacks > 0 && a.seq == t.nackSeq {
		t.nacks++
	} else {
		t.nackSeq = a.seq
		t.nacks = 1
	}
	if t.nacks >= t.cfg.NackLimit {
		t.failLocked(fmt.Errorf("%w: %w", ErrRetriesExhausted, &NackError{Seq: a.seq, Code: a.code}))
		return
	}

	// The peer holds everything before a.seq.
	t.seq = a.seq
	t.acked = int(a.seq) * t.cfg.PacketSize
	t.state = txWaitAck
	monitoring.Debugf("isp tx: nack seq=%d, resending (%d/%d)", a.seq, t.nacks, t.cfg.NackLimit)
	t.sendPacketLocked(a.seq)
}

func (t *Transmitter) onAckDoneLocked(a ack) {
	lastSeq := uint16(t.packets - 1)
	closesChunk := t.state == txWaitAckDone ||
		(t.state == txWaitAck && a.seq == lastSeq && t.seq == lastSeq)

	if t.optimistic && !closesChunk {
		// Late ACK_DONE for a chunk already closed by the ack-done timeout.
		t.optimistic = false
		if a.code != CodeSuccess {
			err := fmt.Errorf("late ack-done overrides assumed success: %w", &NackError{Seq: a.seq, Code: a.code})
			if t.state == txIdle {
				t.result = ResultFailed
				t.err = err
				monitoring.Logf("isp tx: %v", err)
				return
			}
			t.failLocked(err)
		}
		return
	}
	if !closesChunk {
		monitoring.Debugf("isp tx: ack-done seq=%d in state %s", a.seq, t.state)
		return
	}

	t.timer.stop()
	t.optimistic = false
	if a.code != CodeSuccess {
		t.failLocked(&NackError{Seq: a.seq, Code: a.code})
		return
	}
	t.acked = len(t.chunk)
	t.completeChunkLocked()
}

func (t *Transmitter) completeChunkLocked() {
	t.done += len(t.chunk)
	t.acked = 0
	monitoring.Debugf("isp tx: chunk closed, %d/%d bytes", t.done, t.total)
	if t.done >= t.total {
		t.finishLocked()
		return
	}
	t.negotiateLocked()
}

func (t *Transmitter) onAckTimeout(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.timer.current(gen) || (t.state != txWaitAck && t.state != txWaitReady) {
		return
	}
	t.timeouts++
	if t.timeouts >= t.cfg.AckTimeoutLimit {
		t.failLocked(fmt.Errorf("%w: %w after %d attempts in state %s",
			ErrRetriesExhausted, ErrAckTimeout, t.timeouts, t.state))
		return
	}
	monitoring.Debugf("isp tx: ack timeout in state %s, resending (%d/%d)", t.state, t.timeouts, t.cfg.AckTimeoutLimit)
	t.sendTrackedLocked(t.lastSent)
	t.armAckLocked()
}

func (t *Transmitter) onAckDoneTimeout(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.timer.current(gen) || t.state != txWaitAckDone {
		return
	}
	if t.cfg.AckDonePolicy == AckDoneFail {
		t.failLocked(ErrAckDoneTimeout)
		return
	}
	monitoring.Logf("isp tx: no ack-done for chunk at offset %d, assuming success", t.done)
	t.optimistic = true
	t.completeChunkLocked()
}

func (t *Transmitter) packetDataLocked(seq uint16) []byte {
	start := int(seq) * t.cfg.PacketSize
	end := min(start+t.cfg.PacketSize, len(t.chunk))
	return t.chunk[start:end]
}

func (t *Transmitter) sendPacketLocked(seq uint16) {
	t.sendTrackedLocked(buildPacket(CmdRxData, seq, t.packetDataLocked(seq)))
	t.armAckLocked()
}

func (t *Transmitter) sendTrackedLocked(payload []byte) {
	t.lastSent = payload
	if err := t.out.WriteFrame(payload); err != nil {
		// The ack timeout resends.
		monitoring.Logf("isp tx: write %s failed: %v", OpcodeName(payload[0]), err)
	}
}

func (t *Transmitter) armAckLocked() {
	t.timer.arm(t.cfg.AckTimeout, t.onAckTimeout)
}

func (t *Transmitter) resetRetriesLocked() {
	t.timeouts = 0
	t.dupAcks = 0
	t.nacks = 0
}

func (t *Transmitter) finishLocked() {
	t.timer.stop()
	t.state = txIdle
	t.result = ResultSuccess
	t.err = nil
	t.chunk = nil
	monitoring.Logf("isp tx: complete sub=0x%02X %d bytes", t.sub, t.done)
}

func (t *Transmitter) failLocked(err error) {
	t.timer.stop()
	t.state = txIdle
	t.result = ResultFailed
	t.err = err
	t.chunk = nil
	t.optimistic = false
	monitoring.Logf("isp tx: failed sub=0x%02X after %d/%d bytes: %v", t.sub, t.done+t.acked, t.total, err)
}

func (t *Transmitter) clearLocked() {
	t.timer.stop()
	t.state = txIdle
	t.result = ResultIdle
	t.err = nil
	t.sub = 0
	t.params = nil
	t.handler = nil
	t.total = 0
	t.done = 0
	t.chunk = nil
	t.packets = 0
	t.seq = 0
	t.acked = 0
	t.lastSent = nil
	t.optimistic = false
	t.resetRetriesLocked()
	t.nackSeq = 0
}

// Reset cancels any live timer and returns the engine to Idle with no result.
func (t *Transmitter) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

// Busy reports whether a transfer is in flight.
func (t *Transmitter) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != txIdle
}

// Result returns the current or terminal result.
func (t *Transmitter) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the cause of the last failure.
func (t *Transmitter) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Moved returns the bytes acknowledged so far.
func (t *Transmitter) Moved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done + t.acked
}

// Progress returns percent complete, 0-100.
func (t *Transmitter) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return percent(t.done+t.acked, t.total, t.result)
}

func percent(moved, total int, r Result) int {
	if total <= 0 {
		if r == ResultSuccess {
			return 100
		}
		return 0
	}
	return min(100, moved*100/total)
}
