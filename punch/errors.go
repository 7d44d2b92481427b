package punch

import (
	"errors"
	"fmt"

	"github.com/nvidia/nvremote/punchcore/internal/signaling"
)

// ErrorKind categorizes the error conditions described in the signaling and
// hole-punching protocol. Callers should compare kinds with errors.Is against
// the sentinel Error values, or with (*Error).Kind after errors.As.
type ErrorKind int

const (
	// ErrUnknown is a catch-all for internally detected violations that do
	// not fit any other category.
	ErrUnknown ErrorKind = iota

	// ErrNetwork indicates an I/O failure at the transport layer (HTTP dial,
	// WebSocket read/write, UDP send/receive).
	ErrNetwork

	// ErrHTTPNonOK indicates the vendor REST service returned a non-2xx
	// status code.
	ErrHTTPNonOK

	// ErrSchema indicates a JSON payload was present but missing or
	// ill-typed a required field.
	ErrSchema

	// ErrTimeout indicates a bounded wait (notification, RESULT ack,
	// candidate probe) elapsed without the expected event.
	ErrTimeout

	// ErrUninitialized indicates a phase was invoked out of order, e.g.
	// PunchHole(Ctrl) before CustomData1Received.
	ErrUninitialized

	// ErrBufferTooSmall indicates a caller-supplied buffer was insufficient.
	ErrBufferTooSmall

	// ErrCrypto indicates a random-byte or base64 failure from an external
	// collaborator.
	ErrCrypto
)

// String returns a lowercase, hyphenated label for the error kind, suitable
// for log fields.
func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network"
	case ErrHTTPNonOK:
		return "http-non-ok"
	case ErrSchema:
		return "schema"
	case ErrTimeout:
		return "timeout"
	case ErrUninitialized:
		return "uninitialized"
	case ErrBufferTooSmall:
		return "buffer-too-small"
	case ErrCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a protocol-level ErrorKind so callers
// can branch on category without parsing message text.
type Error struct {
	Kind ErrorKind
	Op   string // the operation that failed, e.g. "create_session"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, punch.KindError(punch.ErrTimeout)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil
}

// KindError builds a sentinel *Error carrying only a kind, for use with
// errors.Is(err, punch.KindError(punch.ErrTimeout)).
func KindError(kind ErrorKind) *Error {
	return &Error{Kind: kind}
}

// wrapErr builds an *Error for op/kind, wrapping err (which may be nil).
func wrapErr(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// wrapTransportErr classifies an error returned by internal/signaling into
// the §7 kind it actually corresponds to: a non-2xx response is ErrHTTPNonOK,
// a malformed/missing-field response body is ErrSchema, and anything else
// (dial failure, read failure) is ErrNetwork (spec §4.1: "each surfaced with
// a distinct error kind").
func wrapTransportErr(op string, err error) *Error {
	var httpErr *signaling.HTTPError
	if errors.As(err, &httpErr) {
		return wrapErr(op, ErrHTTPNonOK, err)
	}
	if errors.Is(err, signaling.ErrMalformedResponse) {
		return wrapErr(op, ErrSchema, err)
	}
	return wrapErr(op, ErrNetwork, err)
}
