package isp

import (
	"fmt"
	"sync"

	"github.com/banshee-data/ispflash/internal/monitoring"
)

type rxState int

const (
	rxIdle rxState = iota
	rxReceiving
)

func (s rxState) String() string {
	if s == rxReceiving {
		return "receiving"
	}
	return "idle"
}

// Receiver drives device-to-host bulk transfers. It requests one chunk at a
// time, acknowledges each in-order packet, re-acknowledges duplicates, NACKs
// gaps and hands the assembled buffer to the subcommand handler once the
// declared total has arrived.
//
// All state is guarded by mu. Frame handlers and timer callbacks both take it.
type Receiver struct {
	mu    sync.Mutex
	cfg   Config
	out   FrameWriter
	reg   *Registry
	timer timerSlot

	state   rxState
	result  Result
	err     error
	sub     byte
	params  []byte
	handler SubcommandHandler

	buf       []byte
	total     int
	base      int // bytes in completed chunks
	chunkSize int
	chunkRecv int
	expected  uint16
	lastSent  []byte

	reacks     int
	bad        int
	duplicates int
	chunks     []int
}

// NewReceiver creates an idle receive engine.
func NewReceiver(cfg Config, out FrameWriter, reg *Registry) *Receiver {
	return &Receiver{
		cfg:   cfg,
		out:   out,
		reg:   reg,
		timer: timerSlot{clock: cfg.clock()},
	}
}

// Opcodes are the inbound frames the receive engine owns.
func (r *Receiver) Opcodes() []byte {
	return []byte{CmdTxReset, CmdTxData, RespTxModeAck, RespTxModeNack}
}

// StartOpcode is tx-data: the device transmits what the host receives.
func (r *Receiver) StartOpcode() byte { return CmdTxData }

// Start opens a transfer from [0x56][sub][total:4][params].
func (r *Receiver) Start(payload []byte) error {
	req, err := parseRequest(payload)
	if err != nil {
		return err
	}
	h, err := r.reg.Lookup(req.sub)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != rxIdle {
		return ErrBusy
	}
	r.clearLocked()
	r.sub = req.sub
	r.params = req.params
	r.handler = h
	r.total = int(req.size)
	r.buf = make([]byte, r.total)
	r.result = ResultInProgress
	r.state = rxReceiving

	monitoring.Logf("isp rx: start sub=0x%02X total=%d", r.sub, r.total)
	if r.total == 0 {
		r.completeLocked()
		return nil
	}
	r.requestChunkLocked()
	return nil
}

// HandleFrame processes data packets, mode replies and peer resets.
func (r *Receiver) HandleFrame(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != rxReceiving {
		monitoring.Debugf("isp rx: %s while idle", OpcodeName(payload[0]))
		return
	}
	switch payload[0] {
	case CmdTxData:
		r.onPacketLocked(payload)
	case RespTxModeAck:
		// Peer is about to stream; restart the watchdog window.
		r.armLocked()
	case RespTxModeNack:
		r.failLocked(fmt.Errorf("%w: tx-mode-nack for sub 0x%02X", ErrPeerRejected, r.sub))
	case CmdTxReset:
		r.failLocked(ErrPeerReset)
	}
}

func (r *Receiver) requestChunkLocked() {
	r.chunkSize = min(r.total-r.base, r.cfg.RxMaxChunk)
	r.chunkRecv = 0
	r.expected = 0
	r.reacks = 0
	r.bad = 0
	monitoring.Debugf("isp rx: request chunk offset=%d size=%d", r.base, r.chunkSize)
	r.sendTrackedLocked(buildRequest(CmdTxData, r.sub, uint32(r.chunkSize), r.params))
	r.armLocked()
}

func (r *Receiver) onPacketLocked(payload []byte) {
	seq, data, err := ParsePacket(payload)
	if err != nil {
		monitoring.Debugf("isp rx: %v", err)
		r.rejectLocked(fmt.Errorf("%w: %w", ErrOutOfOrder, err))
		return
	}

	switch {
	case seq == r.expected:
		offset := r.base + r.chunkRecv
		if r.chunkRecv+len(data) > r.chunkSize || offset+len(data) > len(r.buf) {
			r.send(buildAck(RespNack, r.expected, CodeBufferOverflow))
			r.failLocked(fmt.Errorf("%w: seq %d carries %d bytes at offset %d, chunk %d/%d, buffer %d",
				ErrBufferBounds, seq, len(data), offset, r.chunkRecv, r.chunkSize, len(r.buf)))
			return
		}
		if n := copy(r.buf[offset:], data); n != len(data) {
			r.send(buildAck(RespNack, r.expected, CodeBufferOverflow))
			r.failLocked(fmt.Errorf("%w: copied %d of %d bytes", ErrBufferBounds, n, len(data)))
			return
		}
		r.chunkRecv += len(data)
		r.expected++
		r.bad = 0
		r.reacks = 0
		r.sendTrackedLocked(buildAck(RespAck, seq, CodeSuccess))

		if r.chunkRecv < r.chunkSize {
			r.armLocked()
			return
		}
		r.send(buildAck(RespAckDone, seq, CodeSuccess))
		r.base += r.chunkSize
		r.chunkRecv = 0
		r.chunks = append(r.chunks, r.chunkSize)
		monitoring.Debugf("isp rx: chunk closed, %d/%d bytes", r.base, r.total)
		if r.base == r.total {
			r.completeLocked()
			return
		}
		r.requestChunkLocked()

	case seq < r.expected:
		// Already applied; the peer missed our ACK.
		r.duplicates++
		if r.duplicates == r.cfg.DuplicateLogThreshold {
			monitoring.Logf("isp rx: %d duplicate packets for sub 0x%02X, latest seq=%d expected=%d",
				r.duplicates, r.sub, seq, r.expected)
		}
		r.send(buildAck(RespAck, seq, CodeSuccess))
		r.armLocked()

	default:
		r.rejectLocked(fmt.Errorf("%w: got seq %d, expected %d", ErrOutOfOrder, seq, r.expected))
	}
}

// rejectLocked NACKs the expected sequence for a gap or malformed packet and
// fails once the consecutive limit is reached.
func (r *Receiver) rejectLocked(cause error) {
	r.bad++
	if r.bad >= r.cfg.OutOfOrderLimit {
		r.send(buildAck(RespNack, r.expected, CodeFailed))
		r.failLocked(fmt.Errorf("%w after %d consecutive bad packets", cause, r.bad))
		return
	}
	r.sendTrackedLocked(buildAck(RespNack, r.expected, CodeSeqMismatch))
	r.armLocked()
}

func (r *Receiver) completeLocked() {
	r.timer.stop()
	buf := r.buf
	r.buf = nil
	if err := consume(r.handler, r.sub, buf); err != nil {
		r.failLocked(err)
		return
	}
	r.state = rxIdle
	r.result = ResultSuccess
	r.err = nil
	monitoring.Logf("isp rx: complete sub=0x%02X %d bytes in %d chunks", r.sub, r.base, len(r.chunks))
}

func (r *Receiver) onWatchdog(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.timer.current(gen) || r.state != rxReceiving {
		return
	}
	r.reacks++
	if r.reacks > r.cfg.ReAckLimit {
		r.failLocked(fmt.Errorf("%w: %w waiting for seq %d after %d resends",
			ErrRetriesExhausted, ErrAckTimeout, r.expected, r.reacks-1))
		return
	}
	monitoring.Debugf("isp rx: idle, resending %s (%d/%d)", OpcodeName(r.lastSent[0]), r.reacks, r.cfg.ReAckLimit)
	r.send(r.lastSent)
	r.armLocked()
}

func (r *Receiver) armLocked() {
	r.timer.arm(r.cfg.ReAckTimeout, r.onWatchdog)
}

func (r *Receiver) sendTrackedLocked(payload []byte) {
	r.lastSent = payload
	r.send(payload)
}

func (r *Receiver) send(payload []byte) {
	if err := r.out.WriteFrame(payload); err != nil {
		monitoring.Logf("isp rx: write %s failed: %v", OpcodeName(payload[0]), err)
	}
}

func (r *Receiver) failLocked(err error) {
	r.timer.stop()
	r.state = rxIdle
	r.result = ResultFailed
	r.err = err
	r.buf = nil
	monitoring.Logf("isp rx: failed sub=0x%02X after %d/%d bytes: %v", r.sub, r.base+r.chunkRecv, r.total, err)
}

func (r *Receiver) clearLocked() {
	r.timer.stop()
	r.state = rxIdle
	r.result = ResultIdle
	r.err = nil
	r.sub = 0
	r.params = nil
	r.handler = nil
	r.buf = nil
	r.total = 0
	r.base = 0
	r.chunkSize = 0
	r.chunkRecv = 0
	r.expected = 0
	r.lastSent = nil
	r.reacks = 0
	r.bad = 0
	r.duplicates = 0
	r.chunks = nil
}

// Reset cancels any live timer and returns the engine to Idle with no result.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// Busy reports whether a transfer is in flight.
func (r *Receiver) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != rxIdle
}

// Result returns the current or terminal result.
func (r *Receiver) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the cause of the last failure.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Moved returns the bytes accepted so far.
func (r *Receiver) Moved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base + r.chunkRecv
}

// Chunks returns the sizes of the chunks completed in the current or last
// transfer.
func (r *Receiver) Chunks() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.chunks...)
}

// Duplicates returns the number of already-acknowledged packets seen.
func (r *Receiver) Duplicates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}

// Progress returns percent complete, 0-100.
func (r *Receiver) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return percent(r.base+r.chunkRecv, r.total, r.result)
}
