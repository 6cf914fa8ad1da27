// Package errs defines the daemon's error taxonomy. Errors are classified by
// Kind rather than by Go type, so callers inspect with errors.As against the
// single *Error wrapper instead of a hierarchy of concrete error types.
package errs

import "fmt"

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	// TransientTransport covers a stream-store or chat API call that failed
	// and should be retried with bounded exponential backoff.
	TransientTransport Kind = "transient_transport"
	// PermanentTransport covers a malformed payload, rejected auth, or
	// unknown route. Logged once, dropped.
	PermanentTransport Kind = "permanent_transport"
	// BridgeUnavailable covers a terminal multiplexer command failure. The
	// affected session is marked headless; the daemon continues.
	BridgeUnavailable Kind = "bridge_unavailable"
	// NotFound covers a session or computer that does not exist.
	NotFound Kind = "not_found"
	// PermissionDenied covers a caller origin lacking authority for the
	// requested operation.
	PermissionDenied Kind = "permission_denied"
	// Conflict covers a disallowed lifecycle transition from the current
	// state.
	Conflict Kind = "conflict"
	// Truncated covers an observer that fell behind the stream's retained
	// horizon.
	Truncated Kind = "truncated"
	// InternalInvariant covers a programming error in the daemon. Logged
	// with full context; the offending task is restarted.
	InternalInvariant Kind = "internal_invariant"
)

// Error is the daemon's single error wrapper. Kind drives propagation
// policy; Err (if set) is the underlying cause and is reachable via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
