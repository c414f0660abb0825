package isp

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// frameLog is a FrameWriter that records every payload an engine sends.
type frameLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameLog) WriteFrame(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, bytes.Clone(p))
	return nil
}

// Take returns the frames sent since the last call.
func (f *frameLog) Take() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func newMockClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func mockConfig(clock *timeutil.MockClock) Config {
	cfg := DefaultConfig()
	cfg.Clock = clock
	return cfg
}

// pattern returns n deterministic, non-constant bytes.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// sliceHandler produces chunks from src and keeps whatever it consumes.
type sliceHandler struct {
	mu       sync.Mutex
	src      []byte
	got      []byte
	consumed int
	requests []ChunkRequest
}

func (h *sliceHandler) Produce(req ChunkRequest) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return bytes.Clone(h.src[req.Offset : req.Offset+req.Size]), nil
}

func (h *sliceHandler) Consume(buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = bytes.Clone(buf)
	h.consumed++
	return nil
}

func (h *sliceHandler) Params(cmd byte) []byte { return nil }

func (h *sliceHandler) Got() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.got
}

func registryWith(sub byte, h SubcommandHandler) *Registry {
	reg := NewRegistry()
	reg.Register(sub, h)
	return reg
}
