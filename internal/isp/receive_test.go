package isp

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rxSub = 0x20

func startRx(t *testing.T, cfg Config, total int) (*Receiver, *frameLog, *sliceHandler) {
	t.Helper()
	h := &sliceHandler{}
	out := &frameLog{}
	rx := NewReceiver(cfg, out, registryWith(rxSub, h))
	require.NoError(t, rx.Start(BuildRequest(CmdTxData, rxSub, uint32(total), nil)))
	return rx, out, h
}

func chunkRequest(t *testing.T, f []byte) int {
	t.Helper()
	cmd, sub, size, _, err := ParseRequest(f)
	require.NoError(t, err)
	require.Equal(t, byte(CmdTxData), cmd)
	require.Equal(t, byte(rxSub), sub)
	return int(size)
}

func packet(seq uint16, data []byte) []byte {
	return BuildPacket(CmdTxData, seq, data)
}

func TestReceiver_TwoChunkTransfer(t *testing.T) {
	t.Parallel()
	clock := newMockClock()
	cfg := mockConfig(clock)
	const total = 1200
	src := pattern(total)

	rx, out, h := startRx(t, cfg, total)
	frames := out.Take()
	require.Len(t, frames, 1)
	assert.Equal(t, 1023, chunkRequest(t, frames[0]))

	var accepted []uint16
	offset := 0
	sendChunk := func(size int) [][]byte {
		var replies [][]byte
		for seq := uint16(0); size > 0; seq++ {
			n := min(DefaultPacketSize, size)
			rx.HandleFrame(packet(seq, src[offset:offset+n]))
			offset += n
			size -= n
			replies = append(replies, out.Take()...)
		}
		return replies
	}

	replies := sendChunk(1023)
	// 19 ACKs, the chunk's ACK_DONE and the next request.
	require.Len(t, replies, 21)
	for _, r := range replies[:19] {
		op, seq, code, ok := ParseAck(r)
		require.True(t, ok)
		require.Equal(t, byte(RespAck), op)
		require.Equal(t, byte(CodeSuccess), code)
		accepted = append(accepted, seq)
	}
	op, seq, code, ok := ParseAck(replies[19])
	require.True(t, ok)
	assert.Equal(t, byte(RespAckDone), op)
	assert.Equal(t, uint16(18), seq)
	assert.Equal(t, byte(CodeSuccess), code)
	assert.Equal(t, 177, chunkRequest(t, replies[20]))
	assert.Zero(t, h.consumed, "buffer not handed over before the total arrives")

	replies = sendChunk(177)
	require.Len(t, replies, 5)
	for _, r := range replies[:4] {
		_, seq, _, _ := ParseAck(r)
		accepted = append(accepted, seq)
	}

	assert.Equal(t, ResultSuccess, rx.Result())
	assert.Equal(t, 1, h.consumed)
	assert.Equal(t, src, h.Got())
	assert.Equal(t, []int{1023, 177}, rx.Chunks())
	assert.Equal(t, 100, rx.Progress())
	assert.Zero(t, clock.PendingTimers())

	var want []uint16
	for i := 0; i < 19; i++ {
		want = append(want, uint16(i))
	}
	want = append(want, 0, 1, 2, 3)
	if diff := cmp.Diff(want, accepted); diff != "" {
		t.Errorf("accepted sequences (-want +got):\n%s", diff)
	}
}

func TestReceiver_MultiChunkTotalOnce(t *testing.T) {
	t.Parallel()
	cfg := mockConfig(newMockClock())
	cfg.RxMaxChunk = 100
	const total = 450
	src := pattern(total)

	rx, out, h := startRx(t, cfg, total)
	offset := 0
	for i := 0; rx.Busy(); i++ {
		require.Less(t, i, 50)
		size := 0
		for _, f := range out.Take() {
			if f[0] == CmdTxData {
				size = chunkRequest(t, f)
			}
		}
		require.NotZero(t, size)
		for seq := uint16(0); size > 0; seq++ {
			n := min(30, size)
			rx.HandleFrame(packet(seq, src[offset:offset+n]))
			offset += n
			size -= n
		}
	}

	chunks := rx.Chunks()
	assert.Equal(t, []int{100, 100, 100, 100, 50}, chunks)
	sum := 0
	for _, c := range chunks {
		sum += c
	}
	assert.Equal(t, total, sum)
	assert.Equal(t, 1, h.consumed)
	assert.Equal(t, src, h.Got())
}

func TestReceiver_ZeroLength(t *testing.T) {
	t.Parallel()
	rx, out, h := startRx(t, mockConfig(newMockClock()), 0)
	assert.Equal(t, ResultSuccess, rx.Result())
	assert.False(t, rx.Busy())
	assert.Equal(t, 1, h.consumed)
	assert.Empty(t, h.Got())
	assert.Empty(t, out.Take())
}

func TestReceiver_OutOfOrder(t *testing.T) {
	t.Parallel()
	cfg := mockConfig(newMockClock())
	rx, out, h := startRx(t, cfg, 200)
	out.Take()

	rx.HandleFrame(packet(0, pattern(56)))
	out.Take()

	for i := 1; i < cfg.OutOfOrderLimit; i++ {
		rx.HandleFrame(packet(2, pattern(56)))
		assert.Equal(t, [][]byte{BuildAck(RespNack, 1, CodeSeqMismatch)}, out.Take())
		assert.True(t, rx.Busy())
	}

	rx.HandleFrame(packet(3, pattern(56)))
	assert.Equal(t, [][]byte{BuildAck(RespNack, 1, CodeFailed)}, out.Take())
	assert.Equal(t, ResultFailed, rx.Result())
	assert.ErrorIs(t, rx.Err(), ErrOutOfOrder)
	assert.Zero(t, h.consumed)
}

func TestReceiver_InOrderPacketClearsBadCount(t *testing.T) {
	t.Parallel()
	cfg := mockConfig(newMockClock())
	rx, out, _ := startRx(t, cfg, 200)

	for seq := uint16(0); seq < 3; seq++ {
		for i := 1; i < cfg.OutOfOrderLimit; i++ {
			rx.HandleFrame(packet(seq+1, pattern(56)))
		}
		rx.HandleFrame(packet(seq, pattern(56)))
	}
	out.Take()
	assert.True(t, rx.Busy())
	assert.Equal(t, 168, rx.Moved())
}

func TestReceiver_LengthMismatchIsBadPacket(t *testing.T) {
	t.Parallel()
	rx, out, _ := startRx(t, mockConfig(newMockClock()), 100)
	out.Take()

	p := packet(0, pattern(10))
	p[3] = 12
	rx.HandleFrame(p)
	assert.Equal(t, [][]byte{BuildAck(RespNack, 0, CodeSeqMismatch)}, out.Take())
	assert.Zero(t, rx.Moved())
	assert.True(t, rx.Busy())
}

func TestReceiver_DuplicateReplay(t *testing.T) {
	t.Parallel()
	cfg := mockConfig(newMockClock())
	rx, out, h := startRx(t, cfg, 112)
	out.Take()

	first := pattern(56)
	rx.HandleFrame(packet(0, first))
	ack0 := out.Take()
	require.Equal(t, [][]byte{BuildAck(RespAck, 0, CodeSuccess)}, ack0)

	// Replays with different bytes must not touch the buffer.
	junk := make([]byte, 56)
	for i := 0; i < cfg.DuplicateLogThreshold+2; i++ {
		rx.HandleFrame(packet(0, junk))
		assert.Equal(t, ack0, out.Take())
	}
	assert.Equal(t, cfg.DuplicateLogThreshold+2, rx.Duplicates())
	assert.Equal(t, 56, rx.Moved())

	second := pattern(112)[56:]
	rx.HandleFrame(packet(1, second))
	require.Equal(t, ResultSuccess, rx.Result())
	assert.Equal(t, append(append([]byte(nil), first...), second...), h.Got())
}

func TestReceiver_Watchdog(t *testing.T) {
	t.Parallel()
	clock := newMockClock()
	cfg := mockConfig(clock)
	rx, out, _ := startRx(t, cfg, 100)
	out.Take()
	rx.HandleFrame(packet(0, pattern(56)))
	ack := out.Take()
	require.Len(t, ack, 1)

	for i := 1; i <= cfg.ReAckLimit; i++ {
		clock.Advance(cfg.ReAckTimeout)
		assert.Equal(t, ack, out.Take(), "expiry %d resends the last ack", i)
	}
	clock.Advance(cfg.ReAckTimeout)
	assert.Empty(t, out.Take())
	assert.Equal(t, ResultFailed, rx.Result())
	assert.ErrorIs(t, rx.Err(), ErrRetriesExhausted)
	assert.ErrorIs(t, rx.Err(), ErrAckTimeout)
}

func TestReceiver_WatchdogResendsRequest(t *testing.T) {
	t.Parallel()
	clock := newMockClock()
	cfg := mockConfig(clock)
	rx, out, _ := startRx(t, cfg, 100)
	req := out.Take()

	clock.Advance(cfg.ReAckTimeout)
	assert.Equal(t, req, out.Take())

	// The peer's tx-mode-ack restarts the window without spending budget.
	clock.Advance(cfg.ReAckTimeout / 2)
	rx.HandleFrame([]byte{RespTxModeAck})
	clock.Advance(cfg.ReAckTimeout / 2)
	assert.Empty(t, out.Take())
	assert.True(t, rx.Busy())
}

func TestReceiver_BufferBounds(t *testing.T) {
	t.Parallel()
	clock := newMockClock()
	rx, out, h := startRx(t, mockConfig(clock), 10)
	out.Take()

	rx.HandleFrame(packet(0, pattern(20)))
	assert.Equal(t, [][]byte{BuildAck(RespNack, 0, CodeBufferOverflow)}, out.Take())
	assert.Equal(t, ResultFailed, rx.Result())
	assert.ErrorIs(t, rx.Err(), ErrBufferBounds)
	assert.Zero(t, h.consumed)
	assert.Zero(t, clock.PendingTimers())
}

func TestReceiver_ConsumeFailure(t *testing.T) {
	t.Parallel()
	out := &frameLog{}
	reg := registryWith(rxSub, &HandlerFuncs{
		ConsumeFunc: func([]byte) error { return errors.New("checksum mismatch") },
	})
	rx := NewReceiver(mockConfig(newMockClock()), out, reg)
	require.NoError(t, rx.Start(BuildRequest(CmdTxData, rxSub, 4, nil)))
	rx.HandleFrame(packet(0, []byte{1, 2, 3, 4}))

	assert.Equal(t, ResultFailed, rx.Result())
	var he *HandlerError
	require.True(t, errors.As(rx.Err(), &he))
	assert.Equal(t, "consume", he.Op)
}

func TestReceiver_PeerRejectAndReset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"tx-mode-nack", []byte{RespTxModeNack}, ErrPeerRejected},
		{"tx-reset", []byte{CmdTxReset}, ErrPeerReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rx, _, _ := startRx(t, mockConfig(newMockClock()), 100)
			rx.HandleFrame(tt.frame)
			assert.Equal(t, ResultFailed, rx.Result())
			assert.ErrorIs(t, rx.Err(), tt.want)
		})
	}
}

func TestReceiver_IdleIgnoresPackets(t *testing.T) {
	t.Parallel()
	out := &frameLog{}
	rx := NewReceiver(mockConfig(newMockClock()), out, NewRegistry())
	rx.HandleFrame(packet(0, []byte{1}))
	assert.Empty(t, out.Take())
	assert.Equal(t, ResultIdle, rx.Result())
}
