package isp

import (
	"errors"
	"fmt"
)

var (
	// ErrBadFrame marks a frame with wrong delimiters, length or CRC. Such
	// frames are dropped without reply.
	ErrBadFrame = errors.New("bad frame")

	// ErrPayloadTooLarge is returned by Encode for payloads over 255 bytes.
	ErrPayloadTooLarge = errors.New("payload too large for frame")

	ErrMalformedRequest = errors.New("malformed request")
	ErrMalformedPacket  = errors.New("malformed packet")

	// ErrAckTimeout is the cause recorded when no ACK arrived in time.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrAckDoneTimeout is recorded when ACK_DONE never arrived and the
	// session is configured with AckDoneFail.
	ErrAckDoneTimeout = errors.New("ack-done timeout")

	// ErrRetriesExhausted wraps the cause of the last retry.
	ErrRetriesExhausted = errors.New("retries exhausted")

	ErrDuplicateAcks = errors.New("peer repeated ack without advancing")
	ErrOutOfOrder    = errors.New("out-of-order packets")
	ErrBufferBounds  = errors.New("packet exceeds transfer buffer")
	ErrPeerRejected  = errors.New("peer rejected transfer")
	ErrPeerReset     = errors.New("peer reset transfer")

	ErrUnknownSubcommand = errors.New("unknown subcommand")
	ErrNotStarter        = errors.New("no engine starts this command")
	ErrDuplicateRoute    = errors.New("opcode already routed")

	// ErrBusy is returned when a second operation is started while one is
	// pending. The session does not queue.
	ErrBusy = errors.New("session busy")

	ErrClosed = errors.New("session closed")
)

// NackError records a NACK carrying a fatal code or one that exhausted the
// retry budget.
type NackError struct {
	Seq  uint16
	Code byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("nack for seq %d: %s (0x%02X)", e.Seq, CodeName(e.Code), e.Code)
}

// HandlerError wraps a failure or panic raised by a subcommand handler.
type HandlerError struct {
	Subcommand byte
	Op         string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("subcommand 0x%02X %s: %v", e.Subcommand, e.Op, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsNackError reports whether err wraps a NackError.
func IsNackError(err error) bool {
	var ne *NackError
	return errors.As(err, &ne)
}
