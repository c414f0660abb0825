package serialmux

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMux wires a mux to one end of a loopback pair and runs Monitor until
// the test ends. The other end plays the device.
func startMux(t *testing.T) (*SerialMux[*LoopbackPort], *LoopbackPort, <-chan error) {
	t.Helper()
	host, dev := NewLoopback()
	mux := NewSerialMux(host)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		dev.Close()
	})
	return mux, dev, done
}

// loopbackHost returns one end of a loopback pair whose device end is unused.
func loopbackHost() *LoopbackPort {
	host, _ := NewLoopback()
	return host
}

// readN reads exactly n bytes from port or fails the test.
func readN(t *testing.T, port *LoopbackPort, n int) []byte {
	t.Helper()
	require.NoError(t, port.SetReadTimeout(50*time.Millisecond))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n {
		require.True(t, time.Now().Before(deadline), "timed out after %d of %d bytes", len(out), n)
		k, err := port.Read(buf[:n-len(out)])
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return out
}

type collector struct {
	mu  sync.Mutex
	got []byte
}

func (c *collector) add(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p...)
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.got...)
}

func TestSubscribeDeliversBursts(t *testing.T) {
	mux, dev, _ := startMux(t)
	var c collector
	require.NoError(t, mux.Subscribe(c.add))

	_, err := dev.Write([]byte{0x7E, 0x01, 0x02})
	require.NoError(t, err)
	_, err = dev.Write([]byte{0x03, 0x7F})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return string(c.bytes()) == string([]byte{0x7E, 0x01, 0x02, 0x03, 0x7F})
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "event", mux.Stats().Mode)
}

func TestSubscribeNil(t *testing.T) {
	mux := NewSerialMux(loopbackHost())
	assert.ErrorIs(t, mux.Subscribe(nil), ErrNilCallback)
}

func TestPollRejectedInEventMode(t *testing.T) {
	mux := NewSerialMux(loopbackHost())
	require.NoError(t, mux.Subscribe(func([]byte) {}))

	_, err := mux.Poll(context.Background(), 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrSubscribed)

	require.NoError(t, mux.Pause())
	_, err = mux.Poll(context.Background(), 1, time.Millisecond)
	assert.NoError(t, err)
}

func TestPollTimeoutReturnsEmpty(t *testing.T) {
	mux := NewSerialMux(loopbackHost())
	start := time.Now()
	got, err := mux.Poll(context.Background(), 4, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPollReturnsExactlyN(t *testing.T) {
	mux, dev, _ := startMux(t)
	var c collector
	require.NoError(t, mux.Subscribe(c.add))
	require.NoError(t, mux.Pause())

	_, err := dev.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	got, err := mux.Poll(context.Background(), 3, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	got, err = mux.Poll(context.Background(), 2, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, got)

	require.NoError(t, mux.Resume())
	assert.Empty(t, c.bytes(), "paused bytes must not reach the subscriber")
}

func TestPollCancelled(t *testing.T) {
	mux := NewSerialMux(loopbackHost())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mux.Poll(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPauseResume(t *testing.T) {
	mux, dev, _ := startMux(t)
	var c collector
	require.NoError(t, mux.Subscribe(c.add))

	assert.ErrorIs(t, mux.Resume(), ErrNotPaused)
	require.NoError(t, mux.Pause())
	assert.ErrorIs(t, mux.Pause(), ErrAlreadyPaused)
	assert.Equal(t, "poll", mux.Stats().Mode)

	_, err := dev.Write([]byte{9, 9, 9})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return mux.Stats().BytesIn == 3 }, 2*time.Second, 5*time.Millisecond)

	// Unpolled bytes are dropped on resume.
	require.NoError(t, mux.Resume())
	assert.EqualValues(t, 3, mux.Stats().Dropped)
	assert.Equal(t, "event", mux.Stats().Mode)

	_, err = dev.Write([]byte{7})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(c.bytes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{7}, c.bytes())
}

func TestResumeWithoutSubscriberGoesIdle(t *testing.T) {
	mux := NewSerialMux(loopbackHost())
	require.NoError(t, mux.Pause())
	require.NoError(t, mux.Resume())
	assert.Equal(t, "idle", mux.Stats().Mode)
}

func TestDrain(t *testing.T) {
	mux, dev, _ := startMux(t)
	require.NoError(t, mux.Pause())

	_, err := dev.Write([]byte{1, 2})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return mux.Stats().BytesIn == 2 }, 2*time.Second, 5*time.Millisecond)

	mux.Drain()
	got, err := mux.Poll(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.EqualValues(t, 2, mux.Stats().Dropped)
}

func TestUnsubscribeBuffersForPoll(t *testing.T) {
	mux, dev, _ := startMux(t)
	require.NoError(t, mux.Subscribe(func([]byte) {}))
	mux.Unsubscribe()
	assert.Equal(t, "idle", mux.Stats().Mode)

	_, err := dev.Write([]byte{0xAB})
	require.NoError(t, err)
	got, err := mux.Poll(context.Background(), 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB}, got)
}

func TestWriteReachesPort(t *testing.T) {
	mux, dev, _ := startMux(t)

	require.NoError(t, mux.Write([]byte{0x7E, 0x00}))
	require.NoError(t, mux.Write([]byte{0x00, 0x7F}))
	assert.Equal(t, []byte{0x7E, 0x00, 0x00, 0x7F}, readN(t, dev, 4))

	assert.Eventually(t, func() bool {
		s := mux.Stats()
		return s.Writes == 2 && s.BytesOut == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWriteErrorsCounted(t *testing.T) {
	mux, _, _ := startMux(t)
	mux.port.SetWriteError(errors.New("boom"))

	require.NoError(t, mux.Write([]byte{1}))
	assert.Eventually(t, func() bool { return mux.Stats().WriteErrors == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWriteQueueFull(t *testing.T) {
	// No Monitor, so nothing drains the queue.
	mux := NewSerialMux(loopbackHost())
	for i := 0; i < writeQueueDepth; i++ {
		require.NoError(t, mux.Write([]byte{byte(i)}))
	}
	assert.ErrorIs(t, mux.Write([]byte{0}), ErrWriteQueueFull)
	assert.EqualValues(t, 1, mux.Stats().WriteErrors)
}

func TestPollBufferCapped(t *testing.T) {
	mux := NewSerialMux(loopbackHost())
	mux.deliver(make([]byte, maxPollBuffer))
	mux.deliver([]byte{1, 2, 3})
	assert.EqualValues(t, 3, mux.Stats().Dropped)

	got, err := mux.Poll(context.Background(), maxPollBuffer, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got[maxPollBuffer-3:])
}

func TestClose(t *testing.T) {
	mux, dev, done := startMux(t)
	id, tap := mux.Tap()
	require.NotEmpty(t, id)

	require.NoError(t, mux.Close())
	require.NoError(t, mux.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}

	_, ok := <-tap
	assert.False(t, ok, "taps are closed with the mux")

	assert.ErrorIs(t, mux.Write([]byte{1}), ErrClosed)
	assert.ErrorIs(t, mux.Subscribe(func([]byte) {}), ErrClosed)
	assert.ErrorIs(t, mux.Healthy(), ErrClosed)

	require.NoError(t, mux.Pause())
	_, err := mux.Poll(context.Background(), 1, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = dev.Write([]byte{1})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestMonitorReportsDeviceLoss(t *testing.T) {
	mux, dev, done := startMux(t)
	require.NoError(t, dev.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after device loss")
	}
	assert.ErrorIs(t, mux.Healthy(), ErrClosed)
}

func TestMonitorStopsOnContext(t *testing.T) {
	host, _ := NewLoopback()
	mux := NewSerialMux(host)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	mux.Close()
}

func TestTaps(t *testing.T) {
	mux, dev, _ := startMux(t)
	id1, tap1 := mux.Tap()
	id2, tap2 := mux.Tap()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, mux.Stats().Taps)

	_, err := dev.Write([]byte{0x42})
	require.NoError(t, err)
	for _, tap := range []<-chan []byte{tap1, tap2} {
		select {
		case burst := <-tap:
			assert.Equal(t, []byte{0x42}, burst)
		case <-time.After(2 * time.Second):
			t.Fatal("tap did not receive burst")
		}
	}

	mux.Untap(id1)
	_, ok := <-tap1
	assert.False(t, ok)
	mux.Untap(id1)
	assert.Equal(t, 1, mux.Stats().Taps)
}

func TestWatchDetectsDisconnect(t *testing.T) {
	mux, dev, _ := startMux(t)

	var calls int
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- mux.Watch(context.Background(), 5*time.Millisecond, func(error) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}()

	require.NoError(t, dev.Close())
	select {
	case err := <-done:
		// Either the monitor's read error or the probe can report it first.
		assert.True(t, errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not notice the disconnect")
	}
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestWatchHealthyUntilCancelled(t *testing.T) {
	mux, _, _ := startMux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := mux.Watch(ctx, 5*time.Millisecond, func(error) {
		t.Error("healthy port reported as disconnected")
	})
	assert.NoError(t, err)
	assert.NoError(t, mux.Healthy())
}

func TestLoopbackReadTimeout(t *testing.T) {
	a, _ := NewLoopback()
	require.NoError(t, a.SetReadTimeout(5*time.Millisecond))
	n, err := a.Read(make([]byte, 4))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestMockPortFactory(t *testing.T) {
	port := loopbackHost()
	f := NewMockPortFactory(port)
	assert.Nil(t, f.LastCall())

	got, err := f.Open("/dev/ttyUSB0", PortOptions{BaudRate: 9600})
	require.NoError(t, err)
	assert.Same(t, port, got)
	require.NotNil(t, f.LastCall())
	assert.Equal(t, "/dev/ttyUSB0", f.LastCall().Path)
	assert.Equal(t, 9600, f.LastCall().Opts.BaudRate)

	f.Error = errors.New("no such device")
	_, err = f.Open("/dev/ttyUSB1", PortOptions{})
	assert.EqualError(t, err, "no such device")
	assert.Len(t, f.OpenCalls, 2)
}

func TestOpenPortMissingDevice(t *testing.T) {
	_, err := OpenPort("/dev/does-not-exist-isp", PortOptions{})
	assert.Error(t, err)

	_, err = OpenPort("/dev/does-not-exist-isp", PortOptions{BaudRate: 7})
	assert.ErrorContains(t, err, "unsupported baud rate")
}
