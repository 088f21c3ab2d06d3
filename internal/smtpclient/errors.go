package smtpclient

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned before any network I/O when the message
// request or the connection config cannot produce a valid envelope.
var ErrInvalidRequest = errors.New("smtp: invalid request")

// ErrTimeout matches any *TimeoutError via errors.Is.
var ErrTimeout = errors.New("smtp: session timed out")

// invalidf wraps ErrInvalidRequest with a description of the bad input.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// TransportError reports a DNS, connect, TLS or socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the session deadline passed while waiting for
// the reply to Stage.
type TimeoutError struct {
	Stage Stage
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("smtp: session timed out waiting for reply to %s", e.Stage)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolError reports a negative server reply to the command at Stage.
type ProtocolError struct {
	Stage    Stage
	Response string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp: %s rejected: %s", e.Stage, e.Response)
}

// PrematureCloseError reports that the server closed the connection while
// the reply to Stage was still outstanding.
type PrematureCloseError struct {
	Stage Stage
}

func (e *PrematureCloseError) Error() string {
	return fmt.Sprintf("smtp: connection closed before reply to %s", e.Stage)
}

// ErrorKind returns a stable label for err, used in metrics and API output.
func ErrorKind(err error) string {
	var (
		transportErr *TransportError
		protocolErr  *ProtocolError
		closeErr     *PrematureCloseError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &protocolErr):
		return "protocol"
	case errors.As(err, &closeErr):
		return "premature_close"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "error"
	}
}
