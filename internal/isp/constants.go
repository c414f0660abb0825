// Package isp speaks the in-system programming protocol used to move bulk
// data and control commands to a memory module over a serial link. Frames
// are [0x7E][len][payload][crc8][0x7F]; bulk data moves in chunks of
// sequenced packets, each ACKed by the peer.
package isp

import "fmt"

// Frame envelope bytes.
const (
	FrameStart = 0x7E
	FrameEnd   = 0x7F

	// FrameOverhead is start + len + crc + end.
	FrameOverhead = 4

	// MaxPayload is the largest payload a one-byte length field can carry.
	MaxPayload = 0xFF
)

// Command bytes. Names follow the device's point of view: rx-data is data the
// device receives, so the host sends it while transmitting.
const (
	CmdControl = 0x52
	CmdRxReset = 0x53
	CmdTxReset = 0x54
	CmdRxData  = 0x55
	CmdTxData  = 0x56
)

// Response opcodes sent back by the peer.
const (
	RespCommand    = 0xA0
	RespAck        = 0xA1
	RespNack       = 0xA2
	RespAckDone    = 0xA3
	RespRxModeAck  = 0xA4
	RespRxModeNack = 0xA5
	RespTxModeAck  = 0xA6
	RespTxModeNack = 0xA7
)

// Return codes carried in the last byte of ACK, NACK and ACK_DONE.
const (
	CodeSuccess        = 0xB0
	CodeFailed         = 0xB1
	CodeSeqMismatch    = 0xB2
	CodeSeqMatch       = 0xB3
	CodeNotHandled     = 0xB4
	CodeBufferOverflow = 0xB5
)

// Layout sizes.
const (
	// RequestHeaderSize is [cmd][subcmd][size:4].
	RequestHeaderSize = 6

	// PacketHeaderSize is [opcode][seqHi][seqLo][len].
	PacketHeaderSize = 4

	// AckSize is [opcode][seqHi][seqLo][code].
	AckSize = 4

	// DefaultPacketSize is the data carried by one outbound packet.
	DefaultPacketSize = 56

	// DefaultTxMaxChunk is the largest chunk negotiated for host-to-device transfers.
	DefaultTxMaxChunk = 22400

	// DefaultRxMaxChunk is the largest chunk requested for device-to-host transfers.
	DefaultRxMaxChunk = 1023
)

// OpcodeName returns a readable name for a command or response byte.
func OpcodeName(b byte) string {
	switch b {
	case CmdControl:
		return "control-request"
	case CmdRxReset:
		return "rx-reset"
	case CmdTxReset:
		return "tx-reset"
	case CmdRxData:
		return "rx-data"
	case CmdTxData:
		return "tx-data"
	case RespCommand:
		return "command-response"
	case RespAck:
		return "ack"
	case RespNack:
		return "nack"
	case RespAckDone:
		return "ack-done"
	case RespRxModeAck:
		return "rx-mode-ack"
	case RespRxModeNack:
		return "rx-mode-nack"
	case RespTxModeAck:
		return "tx-mode-ack"
	case RespTxModeNack:
		return "tx-mode-nack"
	default:
		return fmt.Sprintf("opcode 0x%02X", b)
	}
}

// CodeName returns a readable name for a return code.
func CodeName(code byte) string {
	switch code {
	case CodeSuccess:
		return "success"
	case CodeFailed:
		return "failed"
	case CodeSeqMismatch:
		return "sequence mismatch"
	case CodeSeqMatch:
		return "sequence match"
	case CodeNotHandled:
		return "not handled"
	case CodeBufferOverflow:
		return "buffer overflow"
	default:
		return fmt.Sprintf("unknown code 0x%02X", code)
	}
}

// Result is the terminal or current outcome reported by an engine or by the
// session for one operation.
type Result int

const (
	ResultIdle Result = iota
	ResultInProgress
	ResultSuccess
	ResultFailed
	ResultNoResponse
	ResultSpurious
)

func (r Result) String() string {
	switch r {
	case ResultIdle:
		return "idle"
	case ResultInProgress:
		return "in-progress"
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultNoResponse:
		return "no-response"
	case ResultSpurious:
		return "spurious"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// MarshalText renders the result name in JSON and logs.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText accepts the names produced by String.
func (r *Result) UnmarshalText(b []byte) error {
	v, err := ParseResult(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseResult is the inverse of Result.String.
func ParseResult(s string) (Result, error) {
	for r := ResultIdle; r <= ResultSpurious; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return ResultIdle, fmt.Errorf("unknown result %q", s)
}
