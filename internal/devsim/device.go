// Package devsim simulates the device end of the ISP link. It answers
// control requests, accepts chunked writes into per-subcommand memory regions
// and streams those regions back on reads, with optional fault injection.
// It backs the CLI's -dev mode and the end-to-end tests.
package devsim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/serialmux"
)

const readTimeout = 50 * time.Millisecond

// Faults injects misbehaviour. Counters are consumed as they fire.
type Faults struct {
	// RejectWrites answers write chunk requests with rx-mode-nack.
	RejectWrites bool
	// RejectReads answers read chunk requests with tx-mode-nack.
	RejectReads bool
	// SilentAckDone never closes a write chunk with ACK_DONE.
	SilentAckDone bool
	// FailAckDone closes write chunks with ACK_DONE carrying code failed.
	FailAckDone bool
	// ResetWrites sends rx-reset instead of acknowledging the first packet
	// of a write chunk.
	ResetWrites bool
	// MuteCommands leaves control requests unanswered.
	MuteCommands bool

	// DropPackets swallows this many inbound packets without an ACK.
	DropPackets int
	// NackPackets answers this many inbound packets with a sequence
	// mismatch NACK instead of accepting them.
	NackPackets int
	// CorruptPackets breaks the CRC of this many outbound packets.
	CorruptPackets int
}

// Stats counts what the device has seen and sent.
type Stats struct {
	Frames      int `json:"frames"`
	BadBytes    int `json:"bad_bytes"`
	Commands    int `json:"commands"`
	Resets      int `json:"resets"`
	PacketsIn   int `json:"packets_in"`
	PacketsOut  int `json:"packets_out"`
	ChunksIn    int `json:"chunks_in"`
	ChunksOut   int `json:"chunks_out"`
	InjectedErr int `json:"injected_faults"`
}

type writeState struct {
	active   bool
	sub      byte
	req      []byte
	left     int
	expected uint16
	buf      []byte
}

type readState struct {
	active  bool
	sub     byte
	req     []byte
	data    []byte
	packets int
	cur     int
}

// Device is a simulated ISP peer.
type Device struct {
	port       io.ReadWriter
	packetSize int

	mu       sync.Mutex
	scanner  isp.Scanner
	regions  map[byte][]byte
	writePos map[byte]int
	readPos  map[byte]int
	commands map[byte][]byte
	faults   Faults
	stats    Stats
	w        writeState
	r        readState
}

// New creates a device that talks over port, typically the device end of
// serialmux.NewLoopback.
func New(port io.ReadWriter) *Device {
	return &Device{
		port:       port,
		packetSize: isp.DefaultPacketSize,
		regions:    make(map[byte][]byte),
		writePos:   make(map[byte]int),
		readPos:    make(map[byte]int),
		commands:   make(map[byte][]byte),
	}
}

// SetPacketSize changes the data carried by each outbound packet.
func (d *Device) SetPacketSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packetSize = n
}

// Load replaces a region and rewinds its read and write positions.
func (d *Device) Load(sub byte, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regions[sub] = bytes.Clone(data)
	d.writePos[sub] = 0
	d.readPos[sub] = 0
}

// Region returns a copy of a region's contents.
func (d *Device) Region(sub byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.regions[sub])
}

// Rewind moves a region's read and write positions back to the start.
func (d *Device) Rewind(sub byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writePos[sub] = 0
	d.readPos[sub] = 0
}

// SetCommand sets the data returned for a control subcommand.
func (d *Device) SetCommand(sub byte, reply []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[sub] = bytes.Clone(reply)
}

// SetFaults replaces the injected faults.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.BadBytes = d.scanner.Dropped()
	return s
}

// Run reads the port until ctx ends or the port closes.
func (d *Device) Run(ctx context.Context) error {
	if tp, ok := d.port.(serialmux.TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			return err
		}
	}
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.port.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Feed processes raw inbound bytes.
func (d *Device) Feed(burst []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, payload := range d.scanner.Feed(burst) {
		d.stats.Frames++
		d.handleLocked(payload)
	}
}

func (d *Device) handleLocked(payload []byte) {
	switch payload[0] {
	case isp.CmdControl:
		d.onCommandLocked(payload)
	case isp.CmdRxReset:
		d.stats.Resets++
		d.w = writeState{}
	case isp.CmdTxReset:
		d.stats.Resets++
		d.r = readState{}
	case isp.CmdRxData:
		// A repeated request means the host missed rx-mode-ack.
		if d.w.active && (d.w.expected > 0 || !bytes.Equal(payload, d.w.req)) {
			d.onPacketLocked(payload)
			return
		}
		d.onWriteRequestLocked(payload)
	case isp.CmdTxData:
		d.onReadRequestLocked(payload)
	case isp.RespAck, isp.RespNack, isp.RespAckDone:
		d.onAckLocked(payload)
	default:
		monitoring.Debugf("devsim: ignoring %s", isp.OpcodeName(payload[0]))
	}
}

func (d *Device) onCommandLocked(payload []byte) {
	d.stats.Commands++
	if len(payload) < 2 || d.faults.MuteCommands {
		return
	}
	reply := d.commands[payload[1]]
	d.sendLocked(append([]byte{isp.RespCommand, byte(len(reply))}, reply...))
}

func (d *Device) onWriteRequestLocked(payload []byte) {
	_, sub, size, _, err := isp.ParseRequest(payload)
	if err != nil {
		monitoring.Debugf("devsim: bad write request: %v", err)
		return
	}
	if d.faults.RejectWrites {
		d.stats.InjectedErr++
		d.sendLocked([]byte{isp.RespRxModeNack})
		return
	}
	d.w = writeState{
		active: size > 0,
		sub:    sub,
		req:    bytes.Clone(payload),
		left:   int(size),
	}
	ready := []byte{isp.RespRxModeAck, byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	d.sendLocked(ready)
}

func (d *Device) onPacketLocked(payload []byte) {
	seq, data, err := isp.ParsePacket(payload)
	if err != nil {
		d.sendLocked(isp.BuildAck(isp.RespNack, d.w.expected, isp.CodeSeqMismatch))
		return
	}
	d.stats.PacketsIn++

	switch {
	case seq < d.w.expected:
		d.sendLocked(isp.BuildAck(isp.RespAck, seq, isp.CodeSuccess))
		return
	case seq > d.w.expected:
		d.sendLocked(isp.BuildAck(isp.RespNack, d.w.expected, isp.CodeSeqMismatch))
		return
	}

	switch {
	case d.faults.ResetWrites:
		d.faults.ResetWrites = false
		d.stats.InjectedErr++
		d.w = writeState{}
		d.sendLocked([]byte{isp.CmdRxReset})
		return
	case d.faults.DropPackets > 0:
		d.faults.DropPackets--
		d.stats.InjectedErr++
		return
	case d.faults.NackPackets > 0:
		d.faults.NackPackets--
		d.stats.InjectedErr++
		d.sendLocked(isp.BuildAck(isp.RespNack, seq, isp.CodeSeqMismatch))
		return
	}

	if len(data) > d.w.left {
		d.sendLocked(isp.BuildAck(isp.RespNack, seq, isp.CodeBufferOverflow))
		d.w = writeState{}
		return
	}
	d.w.buf = append(d.w.buf, data...)
	d.w.left -= len(data)
	d.w.expected++
	d.sendLocked(isp.BuildAck(isp.RespAck, seq, isp.CodeSuccess))
	if d.w.left > 0 {
		return
	}

	d.commitLocked(d.w.sub, d.w.buf)
	d.stats.ChunksIn++
	d.w = writeState{}
	switch {
	case d.faults.SilentAckDone:
		d.stats.InjectedErr++
	case d.faults.FailAckDone:
		d.stats.InjectedErr++
		d.sendLocked(isp.BuildAck(isp.RespAckDone, seq, isp.CodeFailed))
	default:
		d.sendLocked(isp.BuildAck(isp.RespAckDone, seq, isp.CodeSuccess))
	}
}

func (d *Device) commitLocked(sub byte, data []byte) {
	pos := d.writePos[sub]
	region := d.regions[sub]
	if end := pos + len(data); end > len(region) {
		region = append(region, make([]byte, end-len(region))...)
	}
	copy(region[pos:], data)
	d.regions[sub] = region
	d.writePos[sub] = pos + len(data)
}

func (d *Device) onReadRequestLocked(payload []byte) {
	if d.r.active && bytes.Equal(payload, d.r.req) {
		// The host never saw the start of this chunk.
		d.r.cur = 0
		d.sendLocked([]byte{isp.RespTxModeAck})
		d.sendPacketLocked()
		return
	}
	_, sub, size, _, err := isp.ParseRequest(payload)
	if err != nil {
		monitoring.Debugf("devsim: bad read request: %v", err)
		return
	}
	if d.faults.RejectReads {
		d.stats.InjectedErr++
		d.sendLocked([]byte{isp.RespTxModeNack})
		return
	}

	pos := d.readPos[sub]
	data := make([]byte, size)
	if region := d.regions[sub]; pos < len(region) {
		copy(data, region[pos:])
	}
	d.readPos[sub] = pos + int(size)

	d.r = readState{
		active:  size > 0,
		sub:     sub,
		req:     bytes.Clone(payload),
		data:    data,
		packets: (int(size) + d.packetSize - 1) / d.packetSize,
	}
	d.sendLocked([]byte{isp.RespTxModeAck})
	if d.r.active {
		d.sendPacketLocked()
	}
}

func (d *Device) onAckLocked(payload []byte) {
	op, seq, code, ok := isp.ParseAck(payload)
	if !ok || !d.r.active {
		return
	}
	switch op {
	case isp.RespAckDone:
		d.stats.ChunksOut++
		d.r = readState{}
	case isp.RespNack:
		if code != isp.CodeSeqMismatch {
			monitoring.Debugf("devsim: read aborted by host: %s", isp.CodeName(code))
			d.r = readState{}
			return
		}
		d.r.cur = int(seq)
		d.sendPacketLocked()
	case isp.RespAck:
		switch {
		case int(seq) == d.r.cur:
			d.r.cur++
			if d.r.cur < d.r.packets {
				d.sendPacketLocked()
			}
		case int(seq) < d.r.cur:
			// The host is still waiting on the outstanding packet.
			d.sendPacketLocked()
		}
	}
}

func (d *Device) sendPacketLocked() {
	if d.r.cur >= d.r.packets {
		return
	}
	start := d.r.cur * d.packetSize
	end := min(start+d.packetSize, len(d.r.data))
	frame, err := isp.Encode(isp.BuildPacket(isp.CmdTxData, uint16(d.r.cur), d.r.data[start:end]))
	if err != nil {
		monitoring.Logf("devsim: encode packet: %v", err)
		return
	}
	if d.faults.CorruptPackets > 0 {
		d.faults.CorruptPackets--
		d.stats.InjectedErr++
		frame[len(frame)-2] ^= 0xFF
		if frame[len(frame)-2] == isp.FrameStart {
			frame[len(frame)-2] ^= 0x01
		}
	}
	d.stats.PacketsOut++
	d.writeLocked(frame)
}

func (d *Device) sendLocked(payload []byte) {
	frame, err := isp.Encode(payload)
	if err != nil {
		monitoring.Logf("devsim: encode %s: %v", isp.OpcodeName(payload[0]), err)
		return
	}
	d.writeLocked(frame)
}

func (d *Device) writeLocked(frame []byte) {
	if _, err := d.port.Write(frame); err != nil {
		monitoring.Logf("devsim: write: %v", err)
	}
}
