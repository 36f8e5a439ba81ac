// Package callerr defines the error taxonomy shared across the orchestrator
// and its collaborators, plus the status-code mapping the admin REST
// surface collaborator is expected to apply. The HTTP server itself is out
// of scope for this module; StatusCode exists so that collaborator can stay
// a thin wrapper around whatever this package returns.
package callerr

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy every collaborator classifies its failures
// into.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package's
	// constructors, but matched by StatusCode as a fallback.
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindUnavailable
	KindTimeout
	KindValidation
	KindProtocolError
	KindUpstreamError
	KindCancelled
	// KindNotImplemented covers the "tts-not-configured" failure, mapped to
	// HTTP 501.
	KindNotImplemented
)

// String returns the taxonomy name.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindForbidden:
		return "Forbidden"
	case KindUnavailable:
		return "Unavailable"
	case KindTimeout:
		return "Timeout"
	case KindValidation:
		return "Validation"
	case KindProtocolError:
		return "ProtocolError"
	case KindUpstreamError:
		return "UpstreamError"
	case KindCancelled:
		return "Cancelled"
	case KindNotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// Error is a typed, wrappable error carrying a taxonomy Kind, the operation
// that failed, an optional native upstream status code (used when the
// failure came from the switch or TTS server), and the underlying cause.
type Error struct {
	Kind       Kind
	Op         string
	NativeCode int // upstream HTTP status, if any; 0 if not applicable
	Err        error
}

func (e *Error) Error() string {
	if e.Op == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, callerr.NotFound) style sentinel matching against
// the exported Kind-only markers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil || t.Op != "" {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel markers for errors.Is comparisons, e.g. errors.Is(err, callerr.NotFound).
var (
	NotFound       = &Error{Kind: KindNotFound}
	Forbidden      = &Error{Kind: KindForbidden}
	Unavailable    = &Error{Kind: KindUnavailable}
	Timeout        = &Error{Kind: KindTimeout}
	Validation     = &Error{Kind: KindValidation}
	ProtocolError  = &Error{Kind: KindProtocolError}
	UpstreamError  = &Error{Kind: KindUpstreamError}
	Cancelled      = &Error{Kind: KindCancelled}
	NotImplemented = &Error{Kind: KindNotImplemented}
)

// New constructs an *Error for the given kind, operation label, and cause.
// cause may be nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf is New with a formatted cause message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithNativeCode attaches the upstream's own status code to an *Error, for
// status-code mapping fallback.
func WithNativeCode(e *Error, code int) *Error {
	e2 := *e
	e2.NativeCode = code
	return &e2
}

// KindOf extracts the Kind from err if it is (or wraps) a *callerr.Error,
// returning KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode maps err to the HTTP status code the admin REST surface
// collaborator is expected to return.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 500
	}
	switch e.Kind {
	case KindValidation:
		return 400
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindTimeout:
		// Transfer-target-no-answer is a Timeout tagged with NativeCode 408;
		// all other timeouts, notably TTS timeout, map to 504.
		if e.NativeCode == 408 {
			return 408
		}
		return 504
	case KindNotImplemented:
		return 501
	case KindUnavailable:
		return 503
	case KindUpstreamError:
		if e.NativeCode != 0 {
			return e.NativeCode
		}
		return 502
	case KindCancelled:
		return 499
	case KindProtocolError:
		return 502
	default:
		return 500
	}
}

// TransferTimeout builds the Timeout error used when a transfer target
// never answers within its deadline, pre-tagged with the 408 status code
// the admin surface must report.
func TransferTimeout(op string, cause error) *Error {
	return WithNativeCode(New(KindTimeout, op, cause), 408)
}
