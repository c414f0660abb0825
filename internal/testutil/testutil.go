// Package testutil provides shared test fixtures: a session wired to a
// simulated device, and small HTTP assertions.
package testutil

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/ispflash/internal/devsim"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/serialmux"
)

// FastConfig shortens every protocol timeout so failure paths finish quickly
// against the simulator.
func FastConfig() isp.Config {
	cfg := isp.DefaultConfig()
	cfg.AckTimeout = 250 * time.Millisecond
	cfg.AckDoneTimeout = 250 * time.Millisecond
	cfg.ReAckTimeout = 250 * time.Millisecond
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.CommandTimeout = 250 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	return cfg
}

// Rig is a session connected to a simulated device over a loopback serial
// mux. Everything is torn down by t.Cleanup.
type Rig struct {
	Session *isp.Session
	Device  *devsim.Device
	Mux     *serialmux.SerialMux[*serialmux.LoopbackPort]
}

// NewRig builds and opens a Rig. reg may be nil.
func NewRig(t testing.TB, cfg isp.Config, reg *isp.Registry, opts ...isp.Option) *Rig {
	t.Helper()
	host, port := serialmux.NewLoopback()
	mux := serialmux.NewSerialMux(host)
	dev := devsim.New(port)

	ctx, cancel := context.WithCancel(context.Background())
	go mux.Monitor(ctx)
	go dev.Run(ctx)

	opts = append([]isp.Option{isp.WithConfig(cfg)}, opts...)
	s, err := isp.NewSession(mux, reg, opts...)
	if err != nil {
		cancel()
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Open(); err != nil {
		cancel()
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
		cancel()
		mux.Close()
		port.Close()
	})
	return &Rig{Session: s, Device: dev, Mux: mux}
}

// MemHandler serves transmit chunks from Src and keeps the last received
// buffer.
type MemHandler struct {
	mu  sync.Mutex
	Src []byte
	got []byte
}

func (h *MemHandler) Produce(req isp.ChunkRequest) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.Src[req.Offset : req.Offset+req.Size]), nil
}

func (h *MemHandler) Consume(buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = bytes.Clone(buf)
	return nil
}

func (h *MemHandler) Params(byte) []byte { return nil }

// Got returns the last buffer passed to Consume.
func (h *MemHandler) Got() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.got
}

// Image returns n bytes free of the frame start byte, so a corrupted frame
// cannot resynchronise inside the data.
func Image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13) % 0x70
	}
	return b
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request from a loopback address, which
// tsweb debug routes require.
func NewTestRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
