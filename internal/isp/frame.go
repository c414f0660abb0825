package isp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const crc8Poly = 0x07

// CRC8 computes the frame checksum: polynomial 0x07, MSB first, initial
// value zero.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ crc8Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Encode wraps payload as [0x7E][len][payload][crc8][0x7F].
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	frame := make([]byte, 0, len(payload)+FrameOverhead)
	frame = append(frame, FrameStart, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, CRC8(payload), FrameEnd)
	return frame, nil
}

// Decode validates a complete frame and returns a copy of its payload.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < FrameOverhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the envelope", ErrBadFrame, len(frame))
	}
	if frame[0] != FrameStart || frame[len(frame)-1] != FrameEnd {
		return nil, fmt.Errorf("%w: bad delimiters", ErrBadFrame)
	}
	n := int(frame[1])
	if n != len(frame)-FrameOverhead {
		return nil, fmt.Errorf("%w: length byte %d, enclosed %d", ErrBadFrame, n, len(frame)-FrameOverhead)
	}
	payload := frame[2 : 2+n]
	if got, want := frame[2+n], CRC8(payload); got != want {
		return nil, fmt.Errorf("%w: crc 0x%02X, computed 0x%02X", ErrBadFrame, got, want)
	}
	return bytes.Clone(payload), nil
}

// Scanner reassembles frames from arbitrary byte bursts. It is not safe for
// concurrent use; the transport delivers bursts from a single goroutine.
type Scanner struct {
	buf     []byte
	dropped int
}

// Feed appends a burst and returns the payloads of every complete, valid
// frame now buffered. Invalid frames are skipped one start byte at a time
// since payloads are not escaped and may contain 0x7E.
func (s *Scanner) Feed(burst []byte) [][]byte {
	s.buf = append(s.buf, burst...)
	var out [][]byte
	for {
		start := bytes.IndexByte(s.buf, FrameStart)
		if start < 0 {
			s.dropped += len(s.buf)
			s.buf = s.buf[:0]
			return out
		}
		if start > 0 {
			s.dropped += start
			s.buf = s.buf[start:]
		}
		if len(s.buf) < 2 {
			return out
		}
		total := int(s.buf[1]) + FrameOverhead
		if len(s.buf) < total {
			if skip := s.resync(); skip > 0 {
				s.dropped += skip
				s.buf = s.buf[skip:]
				continue
			}
			return out
		}
		payload, err := Decode(s.buf[:total])
		if err != nil {
			s.dropped++
			s.buf = s.buf[1:]
			continue
		}
		out = append(out, payload)
		s.buf = s.buf[total:]
	}
}

// resync looks past an incomplete candidate for a later start byte that
// opens a complete, valid frame and returns its offset, or 0 if there is
// none yet. A stray 0x7E with a large length byte would otherwise hold back
// every frame behind it until enough bytes arrived to reject it.
func (s *Scanner) resync() int {
	for i := 1; i+FrameOverhead <= len(s.buf); i++ {
		if s.buf[i] != FrameStart {
			continue
		}
		total := int(s.buf[i+1]) + FrameOverhead
		if i+total > len(s.buf) {
			continue
		}
		if _, err := Decode(s.buf[i : i+total]); err == nil {
			return i
		}
	}
	return 0
}

// Dropped returns the number of bytes discarded as noise so far.
func (s *Scanner) Dropped() int {
	return s.dropped
}

// Reset discards any partially buffered frame.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
}

// buildRequest lays out [cmd][subcmd][size:4][params].
func buildRequest(cmd, sub byte, size uint32, params []byte) []byte {
	req := make([]byte, RequestHeaderSize, RequestHeaderSize+len(params))
	req[0] = cmd
	req[1] = sub
	binary.BigEndian.PutUint32(req[2:6], size)
	return append(req, params...)
}

// request is a parsed opening or chunk request.
type request struct {
	cmd    byte
	sub    byte
	size   uint32
	params []byte
}

func parseRequest(payload []byte) (request, error) {
	if len(payload) < RequestHeaderSize {
		return request{}, fmt.Errorf("%w: request is %d bytes, need %d", ErrMalformedRequest, len(payload), RequestHeaderSize)
	}
	return request{
		cmd:    payload[0],
		sub:    payload[1],
		size:   binary.BigEndian.Uint32(payload[2:6]),
		params: bytes.Clone(payload[RequestHeaderSize:]),
	}, nil
}

// buildPacket lays out [opcode][seqHi][seqLo][len][data].
func buildPacket(opcode byte, seq uint16, data []byte) []byte {
	p := make([]byte, PacketHeaderSize, PacketHeaderSize+len(data))
	p[0] = opcode
	binary.BigEndian.PutUint16(p[1:3], seq)
	p[3] = byte(len(data))
	return append(p, data...)
}

// buildAck lays out [opcode][seqHi][seqLo][code].
func buildAck(opcode byte, seq uint16, code byte) []byte {
	a := make([]byte, AckSize)
	a[0] = opcode
	binary.BigEndian.PutUint16(a[1:3], seq)
	a[3] = code
	return a
}

// ack is a parsed ACK, NACK or ACK_DONE.
type ack struct {
	opcode byte
	seq    uint16
	code   byte
}

func parseAck(payload []byte) (ack, bool) {
	if len(payload) < AckSize {
		return ack{}, false
	}
	return ack{
		opcode: payload[0],
		seq:    binary.BigEndian.Uint16(payload[1:3]),
		code:   payload[3],
	}, true
}

// BuildPacket, BuildAck and the parse helpers are exported for peers such as
// the device simulator that speak the other side of the protocol.

// BuildPacket lays out a sequence-numbered data packet.
func BuildPacket(opcode byte, seq uint16, data []byte) []byte { return buildPacket(opcode, seq, data) }

// BuildAck lays out an ACK, NACK or ACK_DONE.
func BuildAck(opcode byte, seq uint16, code byte) []byte { return buildAck(opcode, seq, code) }

// BuildRequest lays out [cmd][subcmd][size:4][params].
func BuildRequest(cmd, sub byte, size uint32, params []byte) []byte {
	return buildRequest(cmd, sub, size, params)
}

// ParseRequest splits a request into command, subcommand, size and params.
func ParseRequest(payload []byte) (cmd, sub byte, size uint32, params []byte, err error) {
	r, err := parseRequest(payload)
	return r.cmd, r.sub, r.size, r.params, err
}

// ParseAck splits an ACK, NACK or ACK_DONE.
func ParseAck(payload []byte) (opcode byte, seq uint16, code byte, ok bool) {
	a, ok := parseAck(payload)
	return a.opcode, a.seq, a.code, ok
}

// ParsePacket splits a data packet, checking the declared length against the
// bytes present.
func ParsePacket(payload []byte) (seq uint16, data []byte, err error) {
	if len(payload) < PacketHeaderSize {
		return 0, nil, fmt.Errorf("%w: packet is %d bytes", ErrMalformedPacket, len(payload))
	}
	seq = binary.BigEndian.Uint16(payload[1:3])
	declared := int(payload[3])
	data = payload[PacketHeaderSize:]
	if declared != len(data) {
		return seq, nil, fmt.Errorf("%w: declared %d bytes, carried %d", ErrMalformedPacket, declared, len(data))
	}
	return seq, data, nil
}
