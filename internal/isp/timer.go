package isp

import (
	"time"

	"github.com/banshee-data/ispflash/internal/timeutil"
)

// FrameWriter sends one payload to the peer. The session implements it by
// framing the payload and queueing it on the transport.
type FrameWriter interface {
	WriteFrame(payload []byte) error
}

// timerSlot holds at most one armed timeout for an engine. Every arm or stop
// bumps the generation so a callback that lost the race against a frame
// arrival sees a stale generation and does nothing. Callers hold the
// engine lock.
type timerSlot struct {
	clock timeutil.Clock
	timer timeutil.Timer
	gen   uint64
}

func (t *timerSlot) arm(d time.Duration, fire func(gen uint64)) {
	t.stop()
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() { fire(gen) })
}

func (t *timerSlot) stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *timerSlot) current(gen uint64) bool {
	return gen == t.gen
}
