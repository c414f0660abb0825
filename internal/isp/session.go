package isp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/timeutil"
)

// Link is the byte transport a session runs over. Exactly one of the two
// delivery modes is active: bursts pushed to the subscribed callback, or
// blocking Poll while delivery is paused.
type Link interface {
	Write(p []byte) error
	Subscribe(fn func([]byte)) error
	Unsubscribe()
	Pause() error
	Resume() error
	Drain()
	Poll(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
}

// Recorder persists one row per completed operation.
type Recorder interface {
	RecordTransfer(rec TransferRecord) error
}

// Operation kinds stored in TransferRecord.Kind.
const (
	KindBulk    = "bulk"
	KindControl = "control"
)

// TransferRecord describes one finished Execute or ExecuteCmd call.
type TransferRecord struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Command    byte          `json:"command"`
	Subcommand byte          `json:"subcommand"`
	Declared   int           `json:"declared"`
	Moved      int           `json:"moved"`
	Result     Result        `json:"result"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Direction names the engine driving the current operation.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionTransmit Direction = "transmit"
	DirectionReceive  Direction = "receive"
	DirectionControl  Direction = "control"
)

// Status is a point-in-time snapshot of a session.
type Status struct {
	Busy          bool      `json:"busy"`
	Direction     Direction `json:"direction,omitempty"`
	Percent       int       `json:"percent"`
	OperationID   string    `json:"operation_id,omitempty"`
	LastResult    Result    `json:"last_result"`
	LastError     string    `json:"last_error,omitempty"`
	DroppedBytes  int       `json:"dropped_bytes"`
	DroppedFrames int       `json:"dropped_frames"`
	Spurious      int       `json:"spurious"`
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the protocol configuration.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithClock sets the time source used for timers and polling.
func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithRecorder stores a TransferRecord for every operation.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// Session owns one connection's protocol state: the dispatcher, both bulk
// engines and the control channel. Callers serialize operations; a second
// call while one is pending returns ErrBusy.
type Session struct {
	cfg      Config
	clock    timeutil.Clock
	link     Link
	reg      *Registry
	recorder Recorder

	disp *Dispatcher
	tx   *Transmitter
	rx   *Receiver
	ctl  *ControlChannel

	scanMu  sync.Mutex
	scanner Scanner

	busy   atomic.Bool
	closed atomic.Bool

	mu         sync.Mutex
	opID       string
	direction  Direction
	lastResult Result
	lastErr    error
}

// NewSession wires a session over link. Handlers for subcommands are looked
// up in reg at the start of each operation.
func NewSession(link Link, reg *Registry, opts ...Option) (*Session, error) {
	if link == nil {
		return nil, errors.New("isp: nil link")
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Session{cfg: DefaultConfig(), link: link, reg: reg}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock != nil {
		s.cfg.Clock = s.clock
	}
	s.clock = s.cfg.clock()
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s.disp = NewDispatcher()
	s.tx = NewTransmitter(s.cfg, s, reg)
	s.rx = NewReceiver(s.cfg, s, reg)
	s.ctl = NewControlChannel(s.cfg, link)
	for _, h := range []Handler{s.tx, s.rx, s.ctl} {
		if err := s.disp.Register(h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry returns the subcommand registry the session consults.
func (s *Session) Registry() *Registry { return s.reg }

// Open subscribes the session to inbound bytes.
func (s *Session) Open() error {
	s.closed.Store(false)
	return s.link.Subscribe(s.onBytes)
}

// Close resets every engine and stops inbound delivery. The link itself is
// owned by the caller.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.resetEngines()
	s.link.Unsubscribe()
	return nil
}

// WriteFrame frames payload and queues it on the link.
func (s *Session) WriteFrame(payload []byte) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	return s.link.Write(frame)
}

func (s *Session) onBytes(burst []byte) {
	s.scanMu.Lock()
	frames := s.scanner.Feed(burst)
	s.scanMu.Unlock()
	for _, payload := range frames {
		s.disp.Dispatch(payload)
	}
}

func (s *Session) resetEngines() {
	s.tx.Reset()
	s.rx.Reset()
	s.ctl.Reset()
	s.scanMu.Lock()
	s.scanner.Reset()
	s.scanMu.Unlock()
}

func (s *Session) begin(dir Direction) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.opID = id
	s.direction = dir
	s.mu.Unlock()
	s.resetEngines()
	return id, nil
}

func (s *Session) end(res Result, err error) {
	s.mu.Lock()
	s.lastResult = res
	s.lastErr = err
	s.direction = DirectionNone
	s.mu.Unlock()
	s.busy.Store(false)
}

// Execute runs one bulk transfer. payload is an opening request, 0x55 to
// transmit or 0x56 to receive, and selects the engine. progress, if non-nil,
// is called with 0-100 whenever the percentage changes.
//
// Protocol failures are reported through the Result; LastError has the
// cause. The error return is for local problems: a malformed request, an
// unknown subcommand, a busy session or a cancelled context.
func (s *Session) Execute(ctx context.Context, payload []byte, progress func(int)) (Result, error) {
	req, err := parseRequest(payload)
	if err != nil {
		return ResultFailed, err
	}
	dir := DirectionTransmit
	if req.cmd == CmdTxData {
		dir = DirectionReceive
	}
	id, err := s.begin(dir)
	if err != nil {
		return ResultFailed, err
	}

	started := s.clock.Now()
	rec := TransferRecord{
		ID:         id,
		Kind:       KindBulk,
		Command:    req.cmd,
		Subcommand: req.sub,
		Declared:   int(req.size),
		Started:    started,
	}

	if err := s.disp.Start(payload); err != nil {
		s.finish(rec, ResultFailed, err)
		return ResultFailed, err
	}

	res, cause := s.wait(ctx, dir, progress)
	if ctxErr := ctx.Err(); ctxErr != nil && res == ResultInProgress {
		s.abort()
		rec.Moved = s.moved(dir)
		s.finish(rec, ResultFailed, ctxErr)
		return ResultFailed, ctxErr
	}

	rec.Moved = s.moved(dir)
	s.finish(rec, res, cause)
	return res, nil
}

// wait polls engine state until the transfer settles or ctx is done. It
// returns ResultInProgress if ctx ended first.
func (s *Session) wait(ctx context.Context, dir Direction, progress func(int)) (Result, error) {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	last := -1
	report := func() {
		if progress == nil {
			return
		}
		if p := s.percent(dir); p != last {
			last = p
			progress(p)
		}
	}

	for {
		report()
		if s.settled() {
			break
		}
		select {
		case <-ctx.Done():
			return ResultInProgress, ctx.Err()
		case <-ticker.C():
		}
	}
	report()

	if r := s.tx.Result(); r != ResultIdle {
		return r, s.tx.Err()
	}
	if r := s.rx.Result(); r != ResultIdle {
		return r, s.rx.Err()
	}
	return ResultFailed, errors.New("no engine produced a result")
}

func (s *Session) settled() bool {
	if s.tx.Busy() || s.rx.Busy() {
		return false
	}
	return s.tx.Result() != ResultInProgress && s.rx.Result() != ResultInProgress
}

// abort stops both engines and tells the peer to drop its side of the
// transfer.
func (s *Session) abort() {
	s.tx.Reset()
	s.rx.Reset()
	for _, op := range []byte{CmdRxReset, CmdTxReset} {
		if err := s.WriteFrame([]byte{op}); err != nil {
			monitoring.Logf("isp: send %s: %v", OpcodeName(op), err)
		}
	}
}

func (s *Session) percent(dir Direction) int {
	switch dir {
	case DirectionTransmit:
		return s.tx.Progress()
	case DirectionReceive:
		return s.rx.Progress()
	default:
		return 0
	}
}

func (s *Session) moved(dir Direction) int {
	if dir == DirectionReceive {
		return s.rx.Moved()
	}
	return s.tx.Moved()
}

func (s *Session) finish(rec TransferRecord, res Result, cause error) {
	rec.Result = res
	rec.Duration = s.clock.Since(rec.Started)
	if cause != nil {
		rec.Error = cause.Error()
	}
	s.end(res, cause)
	if s.recorder != nil {
		if err := s.recorder.RecordTransfer(rec); err != nil {
			monitoring.Logf("isp: record transfer %s: %v", rec.ID, err)
		}
	}
}

// ExecuteCmd runs one control exchange and returns the reply data.
func (s *Session) ExecuteCmd(ctx context.Context, req []byte, expectedLen int, timeout time.Duration) ([]byte, Result, error) {
	if len(req) == 0 {
		return nil, ResultFailed, fmt.Errorf("%w: empty control request", ErrMalformedRequest)
	}
	id, err := s.begin(DirectionControl)
	if err != nil {
		return nil, ResultFailed, err
	}
	rec := TransferRecord{
		ID:       id,
		Kind:     KindControl,
		Command:  req[0],
		Declared: expectedLen,
		Started:  s.clock.Now(),
	}
	if len(req) > 1 {
		rec.Subcommand = req[1]
	}

	data, res := s.ctl.Execute(ctx, req, expectedLen, timeout)
	rec.Moved = len(data)
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.finish(rec, ResultFailed, ctxErr)
		return nil, ResultFailed, ctxErr
	}
	s.finish(rec, res, s.ctl.Err())
	return data, res, nil
}

// Write transmits total bytes for sub, pulling chunks from the registered
// handler's Produce.
func (s *Session) Write(ctx context.Context, sub byte, total int, progress func(int)) (Result, error) {
	req, err := s.reg.BuildRequest(CmdRxData, sub, uint32(total))
	if err != nil {
		return ResultFailed, err
	}
	return s.Execute(ctx, req, progress)
}

// Read receives total bytes for sub and hands them to the registered
// handler's Consume.
func (s *Session) Read(ctx context.Context, sub byte, total int, progress func(int)) (Result, error) {
	req, err := s.reg.BuildRequest(CmdTxData, sub, uint32(total))
	if err != nil {
		return ResultFailed, err
	}
	return s.Execute(ctx, req, progress)
}

// Command sends a control request for sub and waits CommandTimeout for
// expectedLen bytes of reply.
func (s *Session) Command(ctx context.Context, sub byte, expectedLen int) ([]byte, Result, error) {
	req, err := s.reg.BuildCommand(sub)
	if err != nil {
		return nil, ResultFailed, err
	}
	return s.ExecuteCmd(ctx, req, expectedLen, s.cfg.CommandTimeout)
}

// LastError returns the diagnostic cause of the last unsuccessful operation.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status returns a snapshot for reporting.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Busy:        s.busy.Load(),
		Direction:   s.direction,
		OperationID: s.opID,
		LastResult:  s.lastResult,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	if st.Busy {
		st.Percent = s.percent(st.Direction)
	} else if st.LastResult == ResultSuccess {
		st.Percent = 100
	}
	s.scanMu.Lock()
	st.DroppedBytes = s.scanner.Dropped()
	s.scanMu.Unlock()
	st.DroppedFrames = s.disp.Dropped()
	st.Spurious = s.ctl.Spurious()
	return st
}
