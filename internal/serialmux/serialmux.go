// Package serialmux owns one serial port and arbitrates how its bytes are
// consumed. Inbound bursts go either to a single subscribed callback (event
// mode) or into a buffer drained by blocking Poll calls (poll mode); the two
// never overlap. Writes are queued and performed by a dedicated goroutine, and
// debug taps can observe raw traffic without affecting either mode.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/timeutil"
)

var (
	ErrWriteFailed    = errors.New("failed to write to serial port")
	ErrWriteQueueFull = errors.New("serial write queue full")
	ErrClosed         = errors.New("serial port closed")

	// ErrSubscribed is returned by Poll while a callback receives bytes.
	ErrSubscribed = errors.New("poll while event delivery is active")

	ErrAlreadyPaused = errors.New("event delivery already paused")
	ErrNotPaused     = errors.New("event delivery not paused")
	ErrNilCallback   = errors.New("nil subscriber callback")
)

const (
	writeQueueDepth = 256
	readBufferSize  = 4096
	tapQueueDepth   = 64

	// maxPollBuffer caps bytes held for Poll while nobody is polling.
	maxPollBuffer = 64 << 10
)

type mode int

const (
	modeIdle  mode = iota // no subscriber; bytes are buffered for Poll
	modeEvent             // bytes go to the subscriber callback
	modePoll              // subscriber paused; bytes are buffered for Poll
)

func (m mode) String() string {
	switch m {
	case modeEvent:
		return "event"
	case modePoll:
		return "poll"
	default:
		return "idle"
	}
}

// Stats are cumulative link counters.
type Stats struct {
	Mode        string `json:"mode"`
	BytesIn     int64  `json:"bytes_in"`
	BytesOut    int64  `json:"bytes_out"`
	Writes      int64  `json:"writes"`
	WriteErrors int64  `json:"write_errors"`
	Dropped     int64  `json:"dropped"`
	Taps        int    `json:"taps"`
}

// SerialMux is a generic serial port multiplexer.
type SerialMux[T SerialPorter] struct {
	port  T
	clock timeutil.Clock

	writeQ    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	mu      sync.Mutex
	mode    mode
	cb      func([]byte)
	pollBuf []byte
	notify  chan struct{}
	readErr error

	tapMu sync.Mutex
	taps  map[string]chan []byte

	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	writes      atomic.Int64
	writeErrors atomic.Int64
	dropped     atomic.Int64
}

// SerialMuxInterface is the subset of SerialMux the CLI and API depend on.
type SerialMuxInterface interface {
	Write(p []byte) error
	Subscribe(fn func([]byte)) error
	Unsubscribe()
	Pause() error
	Resume() error
	Drain()
	Poll(ctx context.Context, n int, timeout time.Duration) ([]byte, error)

	// Monitor reads from the port and runs the writer until ctx is done, the
	// port fails or Close is called.
	Monitor(ctx context.Context) error

	// Watch calls onDisconnect once when the port stops responding.
	Watch(ctx context.Context, interval time.Duration, onDisconnect func(error)) error

	Tap() (string, <-chan []byte)
	Untap(id string)
	Stats() Stats
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps port. Nothing is read or written until Monitor runs.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:   port,
		clock:  timeutil.RealClock{},
		writeQ: make(chan []byte, writeQueueDepth),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
		taps:   make(map[string]chan []byte),
	}
}

// SetClock replaces the clock used by Poll and Watch. Call it before Monitor.
func (s *SerialMux[T]) SetClock(c timeutil.Clock) {
	s.clock = c
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Write queues p for the writer goroutine. It never blocks; a full queue is
// reported as ErrWriteQueueFull.
func (s *SerialMux[T]) Write(p []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	select {
	case s.writeQ <- bytes.Clone(p):
		return nil
	default:
		s.writeErrors.Add(1)
		return ErrWriteQueueFull
	}
}

// Subscribe routes every inbound burst to fn and enters event mode.
func (s *SerialMux[T]) Subscribe(fn func([]byte)) error {
	if fn == nil {
		return ErrNilCallback
	}
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = fn
	if s.mode != modePoll {
		s.mode = modeEvent
	}
	return nil
}

// Unsubscribe removes the callback. Later bytes are buffered for Poll.
func (s *SerialMux[T]) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = nil
	if s.mode == modeEvent {
		s.mode = modeIdle
	}
}

// Pause suspends event delivery so Poll can read the port directly.
func (s *SerialMux[T]) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modePoll {
		return ErrAlreadyPaused
	}
	s.mode = modePoll
	s.pollBuf = s.pollBuf[:0]
	return nil
}

// Resume restores event delivery. Bytes left over from polling are discarded.
func (s *SerialMux[T]) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != modePoll {
		return ErrNotPaused
	}
	if n := len(s.pollBuf); n > 0 {
		s.dropped.Add(int64(n))
		monitoring.Debugf("serialmux: discarding %d unpolled bytes on resume", n)
	}
	s.pollBuf = s.pollBuf[:0]
	if s.cb != nil {
		s.mode = modeEvent
	} else {
		s.mode = modeIdle
	}
	return nil
}

// Drain discards bytes buffered for Poll.
func (s *SerialMux[T]) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped.Add(int64(len(s.pollBuf)))
	s.pollBuf = s.pollBuf[:0]
}

// Poll blocks until n bytes are buffered and returns exactly those bytes.
// If timeout elapses first it returns an empty result and no error.
func (s *SerialMux[T]) Poll(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	deadline := s.clock.Now().Add(timeout)
	ticker := s.clock.NewTicker(max(min(timeout, 5*time.Millisecond), time.Millisecond))
	defer ticker.Stop()

	for {
		s.mu.Lock()
		if s.mode == modeEvent {
			s.mu.Unlock()
			return nil, ErrSubscribed
		}
		if len(s.pollBuf) >= n {
			out := bytes.Clone(s.pollBuf[:n])
			s.pollBuf = append(s.pollBuf[:0], s.pollBuf[n:]...)
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		if !s.clock.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrClosed
		case <-s.notify:
		case <-ticker.C():
		}
	}
}

func (s *SerialMux[T]) deliver(burst []byte) {
	s.bytesIn.Add(int64(len(burst)))
	s.fanout(burst)

	s.mu.Lock()
	if s.mode == modeEvent && s.cb != nil {
		cb := s.cb
		s.mu.Unlock()
		cb(burst)
		return
	}
	s.pollBuf = append(s.pollBuf, burst...)
	if over := len(s.pollBuf) - maxPollBuffer; over > 0 {
		s.dropped.Add(int64(over))
		s.pollBuf = append(s.pollBuf[:0], s.pollBuf[over:]...)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Monitor runs the read loop and the writer goroutine until ctx is done,
// the port fails or Close is called.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if tp, ok := any(s.port).(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(portReadTimeout); err != nil {
			monitoring.Logf("serialmux: set read timeout: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.startOnce.Do(func() { go s.writer(ctx) })

	bursts := make(chan []byte)
	readErr := make(chan error, 1)

	// Read blocks; run it apart from the loop that watches ctx and Close.
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				select {
				case bursts <- bytes.Clone(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
			if s.isClosed() {
				readErr <- nil
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case err := <-readErr:
			if s.isClosed() || err == nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: %w", ErrClosed, err)
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return err
		case burst := <-bursts:
			s.deliver(burst)
		}
	}
}

func (s *SerialMux[T]) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case p := <-s.writeQ:
			n, err := s.port.Write(p)
			s.writes.Add(1)
			s.bytesOut.Add(int64(n))
			if err == nil && n != len(p) {
				err = ErrWriteFailed
			}
			if err != nil {
				s.writeErrors.Add(1)
				monitoring.Logf("serialmux: write %d bytes: %v", len(p), err)
			}
		}
	}
}

// Healthy reports why the port is unusable, or nil.
func (s *SerialMux[T]) Healthy() error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if p, ok := any(s.port).(Prober); ok {
		return p.Probe()
	}
	return nil
}

// Watch checks the port every interval and calls onDisconnect once with the
// first failure. It returns that failure, or nil when ctx ends or the mux is
// closed.
func (s *SerialMux[T]) Watch(ctx context.Context, interval time.Duration, onDisconnect func(error)) error {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-ticker.C():
			if err := s.Healthy(); err != nil {
				monitoring.Logf("serialmux: device disconnected: %v", err)
				if onDisconnect != nil {
					onDisconnect(err)
				}
				return err
			}
		}
	}
}

// Tap returns a channel that receives a copy of every inbound burst. Slow
// taps miss bursts rather than stall the port.
func (s *SerialMux[T]) Tap() (string, <-chan []byte) {
	id := randomID()
	ch := make(chan []byte, tapQueueDepth)
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	if s.isClosed() {
		close(ch)
		return id, ch
	}
	s.taps[id] = ch
	return id, ch
}

// Untap removes a tap and closes its channel.
func (s *SerialMux[T]) Untap(id string) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	if ch, ok := s.taps[id]; ok {
		close(ch)
		delete(s.taps, id)
	}
}

func (s *SerialMux[T]) fanout(burst []byte) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	for _, ch := range s.taps {
		select {
		case ch <- burst:
		default:
		}
	}
}

// Stats returns a snapshot of the link counters.
func (s *SerialMux[T]) Stats() Stats {
	s.mu.Lock()
	m := s.mode
	s.mu.Unlock()
	s.tapMu.Lock()
	taps := len(s.taps)
	s.tapMu.Unlock()
	return Stats{
		Mode:        m.String(),
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Writes:      s.writes.Load(),
		WriteErrors: s.writeErrors.Load(),
		Dropped:     s.dropped.Load(),
		Taps:        taps,
	}
}

// Close stops the loops, closes every tap and closes the port.
func (s *SerialMux[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.tapMu.Lock()
		for id, ch := range s.taps {
			close(ch)
			delete(s.taps, id)
		}
		s.tapMu.Unlock()
		err = s.port.Close()
	})
	return err
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, s)
}

// AdminSource is the part of a mux the debug routes read and write.
type AdminSource interface {
	Write(p []byte) error
	Tap() (string, <-chan []byte)
	Untap(id string)
	Stats() Stats
}

// AttachAdminRoutesForMux mounts the serial debug routes over s, which may
// delegate to whichever mux is currently open.
func AttachAdminRoutesForMux(mux *http.ServeMux, s AdminSource) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial", "serial link counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})

	// Writes raw bytes, given as hex, to the port. The caller supplies the
	// complete frame including delimiters and CRC.
	debug.HandleSilentFunc("send-frame", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw := strings.Join(strings.Fields(r.FormValue("hex")), "")
		if raw == "" {
			http.Error(w, "Missing hex", http.StatusBadRequest)
			return
		}
		frame, err := hex.DecodeString(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid hex: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.Write(frame); err != nil {
			http.Error(w, "Failed to queue frame", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Queued %d bytes", len(frame))
	})

	// Server-Sent Events with every inbound burst hex encoded.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Tap()
		defer s.Untap(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case burst, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(burst)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
