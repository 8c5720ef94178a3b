package sds011

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreData is returned by the decoder when the buffered bytes do not
	// yet hold a complete frame.
	ErrNeedMoreData = errors.New("sds011: need more data")

	// ErrFrameDesync is returned when a candidate header byte is not followed
	// by a tail byte at the expected offset. Decoding resumes one byte after
	// the rejected header.
	ErrFrameDesync = errors.New("sds011: frame desync")

	// ErrChecksumMismatch is returned alongside a Malformed frame whose header
	// and tail are intact but whose checksum does not verify.
	ErrChecksumMismatch = errors.New("sds011: checksum mismatch")

	// ErrCommandTimeout is returned when no matching reply arrives before the
	// acknowledgement deadline. Resending the same command is always safe.
	ErrCommandTimeout = errors.New("sds011: command timeout")

	// ErrNoData is returned by ReadMeasurement when no measurement arrives
	// within the requested window.
	ErrNoData = errors.New("sds011: no measurement received")

	// ErrInvalidArgument marks caller bugs such as an out-of-range duty cycle.
	ErrInvalidArgument = errors.New("sds011: invalid argument")
)

// TransportError wraps a failure of the underlying serial transport. The
// controller leaves its state consistent for a retry once the transport has
// recovered.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sds011: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is one of the protocol conditions the poll
// loop is expected to ride through.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrFrameDesync) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrCommandTimeout) ||
		errors.Is(err, ErrNoData)
}

// ResultLabel classifies a command outcome for metrics and history.
func ResultLabel(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	case errors.As(err, &te):
		return "transport"
	default:
		return "error"
	}
}
