// Package protoerr defines the protocol-level error taxonomy (spec §7):
// a small set of sentinel and typed errors that every layer of the
// streaming engine checks with errors.Is/errors.As, mirroring the
// ControllerError/ParseError enums in the original Rust source.
package protoerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors. Wrap these with errors.Wrap/Wrapf for context; compare
// with errors.Is.
var (
	// ErrInvalidCode: codec recognised the shape (error:/ALARM:) but the
	// digits did not parse into a uint8.
	ErrInvalidCode = errors.New("invalid response/alarm code")

	// ErrTransportDown: a write to the transport failed mid-stream.
	ErrTransportDown = errors.New("transport down")

	// ErrTransportClosed: EOF observed on read; the peer closed the
	// connection.
	ErrTransportClosed = errors.New("transport closed")

	// ErrCancelled: the process-wide shutdown flag was observed before an
	// operation completed. Per spec this is a success value with no work
	// done, not a hard failure; callers that want to distinguish it from
	// normal completion check errors.Is(err, ErrCancelled).
	ErrCancelled = errors.New("cancelled")

	// ErrCheckModeNotAcked: a "$C" toggle was not followed by Ok.
	ErrCheckModeNotAcked = errors.New("check mode toggle not acknowledged")
)

// OversizedBlock is returned at submission time when a Block's wire length
// would never fit in the controller's receive buffer.
type OversizedBlock struct {
	Line     string
	WireLen  int
	Capacity int
}

func (e *OversizedBlock) Error() string {
	return fmt.Sprintf("block %q is %d bytes on the wire, which cannot fit under RX_CAPACITY-1=%d",
		e.Line, e.WireLen, e.Capacity-1)
}

// GcodeError reports that the controller replied Error(code) to the block
// at the given 1-based submission index, inside check mode. Fatal for the
// step per spec §7.
type GcodeError struct {
	Index int
	Code  uint8
}

func (e *GcodeError) Error() string {
	return fmt.Sprintf("gcode error at block #%d: error:%d", e.Index, e.Code)
}

// ProtocolViolation records a condition that is logged and recovered from
// locally rather than propagated: a Response arriving with an empty
// in-flight queue.
type ProtocolViolation struct {
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation: " + e.Detail
}
