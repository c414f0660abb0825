package serialmux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// LoopbackPort is one end of an in-memory serial cable. Bytes written to one
// end are read from the other. Writes never block, so a protocol engine can
// write while holding its own lock without deadlocking against the peer.
type LoopbackPort struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	closed bool
	hangup bool // the other end closed

	// ReadTimeout makes Read return (0, nil) after this long without data,
	// like a hardware port with a read timeout.
	ReadTimeout time.Duration

	// WriteError, when set, fails every Write.
	WriteError error

	peer *LoopbackPort
}

// NewLoopback returns two connected ports.
func NewLoopback() (*LoopbackPort, *LoopbackPort) {
	a, b := &LoopbackPort{}, &LoopbackPort{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (p *LoopbackPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired bool
	if p.ReadTimeout > 0 {
		t := time.AfterFunc(p.ReadTimeout, func() {
			p.mu.Lock()
			expired = true
			p.mu.Unlock()
			p.cond.Broadcast()
		})
		defer t.Stop()
	}
	for p.in.Len() == 0 && !p.closed && !p.hangup && !expired {
		p.cond.Wait()
	}
	if p.in.Len() > 0 {
		return p.in.Read(buf)
	}
	if p.closed || p.hangup {
		return 0, io.EOF
	}
	return 0, nil
}

func (p *LoopbackPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	closed, werr := p.closed || p.hangup, p.WriteError
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if werr != nil {
		return 0, werr
	}
	return p.peer.receive(data)
}

func (p *LoopbackPort) receive(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.in.Write(data)
	p.cond.Broadcast()
	return len(data), nil
}

// Close closes this end. The other end reads io.EOF once its buffer is
// empty and fails writes with io.ErrClosedPipe, as if the cable were pulled.
func (p *LoopbackPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.peer.mu.Lock()
	p.peer.hangup = true
	p.peer.cond.Broadcast()
	p.peer.mu.Unlock()
	return nil
}

// Probe fails once either end is closed.
func (p *LoopbackPort) Probe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.hangup {
		return io.ErrClosedPipe
	}
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (p *LoopbackPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = d
	return nil
}

// SetWriteError makes every later Write fail with err; nil clears it.
func (p *LoopbackPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteError = err
}

// MockPortFactory implements PortFactory for testing.
type MockPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockPortFactory creates a factory that always returns port.
func NewMockPortFactory(port SerialPorter) *MockPortFactory {
	return &MockPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
