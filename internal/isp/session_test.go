package isp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.AckDoneTimeout = 200 * time.Millisecond
	cfg.ReAckTimeout = 200 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.CommandTimeout = 50 * time.Millisecond
	return cfg
}

// writePeer accepts host-to-device transfers and keeps the bytes.
type writePeer struct {
	mu        sync.Mutex
	chunkLeft int
	got       []byte
}

func (p *writePeer) handle(payload []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if payload[0] != CmdRxData {
		return nil
	}
	if p.chunkLeft == 0 {
		_, _, size, _, _ := ParseRequest(payload)
		p.chunkLeft = int(size)
		return [][]byte{{RespRxModeAck}}
	}
	seq, data, _ := ParsePacket(payload)
	p.got = append(p.got, data...)
	p.chunkLeft -= len(data)
	out := [][]byte{BuildAck(RespAck, seq, CodeSuccess)}
	if p.chunkLeft == 0 {
		out = append(out, BuildAck(RespAckDone, seq, CodeSuccess))
	}
	return out
}

func (p *writePeer) Got() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.got
}

// readPeer streams src in answer to each chunk request.
type readPeer struct {
	mu     sync.Mutex
	src    []byte
	offset int
}

func (p *readPeer) handle(payload []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if payload[0] != CmdTxData {
		return nil
	}
	_, _, size, _, _ := ParseRequest(payload)
	out := [][]byte{{RespTxModeAck}}
	for seq := uint16(0); size > 0; seq++ {
		n := min(uint32(DefaultPacketSize), size)
		out = append(out, BuildPacket(CmdTxData, seq, p.src[p.offset:p.offset+int(n)]))
		p.offset += int(n)
		size -= n
	}
	return out
}

type memRecorder struct {
	mu   sync.Mutex
	recs []TransferRecord
}

func (m *memRecorder) RecordTransfer(rec TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) Records() []TransferRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferRecord(nil), m.recs...)
}

func openSession(t *testing.T, link Link, reg *Registry, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithConfig(fastConfig())}, opts...)
	s, err := NewSession(link, reg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_Write(t *testing.T) {
	t.Parallel()
	peer := &writePeer{}
	link := newFakeLink(t, peer.handle)
	h := &sliceHandler{src: pattern(500)}
	rec := &memRecorder{}
	cfg := fastConfig()
	cfg.TxMaxChunk = 200
	s := openSession(t, link, registryWith(txSub, h), WithConfig(cfg), WithRecorder(rec))

	var progress []int
	res, err := s.Write(context.Background(), txSub, 500, func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, h.src, peer.Got())

	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}

	recs := rec.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, KindBulk, recs[0].Kind)
	assert.Equal(t, byte(CmdRxData), recs[0].Command)
	assert.Equal(t, byte(txSub), recs[0].Subcommand)
	assert.Equal(t, 500, recs[0].Declared)
	assert.Equal(t, 500, recs[0].Moved)
	assert.Equal(t, ResultSuccess, recs[0].Result)
	assert.NotEmpty(t, recs[0].ID)

	st := s.Status()
	assert.False(t, st.Busy)
	assert.Equal(t, ResultSuccess, st.LastResult)
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, recs[0].ID, st.OperationID)
}

func TestSession_Read(t *testing.T) {
	t.Parallel()
	src := pattern(1200)
	link := newFakeLink(t, (&readPeer{src: src}).handle)
	h := &sliceHandler{}
	s := openSession(t, link, registryWith(rxSub, h))

	res, err := s.Read(context.Background(), rxSub, len(src), nil)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, src, h.Got())
	assert.NoError(t, s.LastError())
}

func TestSession_Command(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t, nil)
	link.reply = mustEncode(t, []byte{RespCommand, 2, 0x12, 0x34})
	reg := NewRegistry()
	reg.Register(0x01, &HandlerFuncs{})
	rec := &memRecorder{}
	s := openSession(t, link, reg, WithRecorder(rec))

	data, res, err := s.Command(context.Background(), 0x01, 4)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, []byte{0x12, 0x34}, data)

	recs := rec.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, KindControl, recs[0].Kind)
	assert.Equal(t, byte(CmdControl), recs[0].Command)
	assert.Equal(t, 2, recs[0].Moved)
}

func TestSession_ProtocolFailureIsAResult(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t, func(payload []byte) [][]byte {
		if payload[0] == CmdRxData {
			return [][]byte{{RespRxModeNack}}
		}
		return nil
	})
	s := openSession(t, link, registryWith(txSub, &sliceHandler{src: pattern(10)}))

	res, err := s.Write(context.Background(), txSub, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.ErrorIs(t, s.LastError(), ErrPeerRejected)
}

func TestSession_Cancel(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t, nil)
	cfg := fastConfig()
	cfg.AckTimeout = time.Minute
	rec := &memRecorder{}
	s := openSession(t, link, registryWith(txSub, &sliceHandler{src: pattern(10)}), WithConfig(cfg), WithRecorder(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := s.Write(ctx, txSub, 10, nil)
	assert.Equal(t, ResultFailed, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	payloads := link.Payloads(t)
	require.Len(t, payloads, 3)
	assert.Equal(t, []byte{CmdRxReset}, payloads[1])
	assert.Equal(t, []byte{CmdTxReset}, payloads[2])

	recs := rec.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ResultFailed, recs[0].Result)
	assert.Contains(t, recs[0].Error, "deadline")
	assert.False(t, s.Status().Busy)
}

func TestSession_Busy(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t, nil)
	cfg := fastConfig()
	cfg.AckTimeout = time.Minute
	s := openSession(t, link, registryWith(txSub, &sliceHandler{src: pattern(10)}), WithConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Write(ctx, txSub, 10, nil)
	}()
	require.Eventually(t, func() bool { return s.Status().Busy }, time.Second, time.Millisecond)
	assert.Equal(t, DirectionTransmit, s.Status().Direction)

	_, err := s.Write(context.Background(), txSub, 10, nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, _, err = s.Command(context.Background(), txSub, 4)
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	<-done
}

func TestSession_LocalErrors(t *testing.T) {
	t.Parallel()
	link := newFakeLink(t, nil)
	s := openSession(t, link, registryWith(txSub, &sliceHandler{}))

	_, err := s.Write(context.Background(), 0x99, 10, nil)
	assert.ErrorIs(t, err, ErrUnknownSubcommand)

	_, err = s.Execute(context.Background(), []byte{CmdRxData}, nil)
	assert.ErrorIs(t, err, ErrMalformedRequest)

	_, err = s.Execute(context.Background(), BuildRequest(0x60, txSub, 1, nil), nil)
	assert.ErrorIs(t, err, ErrNotStarter)

	_, _, err = s.ExecuteCmd(context.Background(), nil, 4, time.Millisecond)
	assert.ErrorIs(t, err, ErrMalformedRequest)

	require.NoError(t, s.Close())
	_, err = s.Write(context.Background(), txSub, 10, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewSession(nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.PacketSize = 0
	_, err = NewSession(newFakeLink(t, nil), nil, WithConfig(cfg))
	assert.Error(t, err)
}

func TestSession_WithClockOverridesConfig(t *testing.T) {
	t.Parallel()
	clock := newMockClock()
	s, err := NewSession(newFakeLink(t, nil), nil, WithClock(clock), WithConfig(DefaultConfig()))
	require.NoError(t, err)
	assert.Same(t, clock, s.cfg.Clock)
}
