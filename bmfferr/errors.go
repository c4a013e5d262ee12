// Package bmfferr defines the error taxonomy shared across the box codec,
// fragmenter, segmenter, and streaming packages.
package bmfferr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates the class of failure, independent of the wrapped
// context message. Callers that need to map an error onto a transport
// status code should switch on Kind rather than parse the error string.
type Kind int

const (
	// KindMalformed means the input violates ISOBMFF structure: a box
	// declares a size smaller than its header, a child overruns its
	// parent, a required sub-box is missing, an array length exceeds
	// its box payload, or a sample-table run is not monotonic.
	KindMalformed Kind = iota
	// KindUnknownBox means a fourcc isn't in the registry, or its
	// version exceeds the type's max_version. Non-fatal: the box is
	// kept as opaque bytes.
	KindUnknownBox
	// KindUnsupportedEditList means an elst is more complex than the
	// "at most one empty edit, then at most one offset edit" shape
	// this implementation interprets. Non-fatal: segmentation proceeds
	// with a zero composition-time shift.
	KindUnsupportedEditList
	// KindOutOfRange means a size or offset value exceeds a hard wire
	// limit: a moof larger than 2^31-1 bytes, a virtual-mdat offset
	// past 2^40, or (recoverably) a chunk offset past 2^32-1 that
	// triggers stco->co64 promotion.
	KindOutOfRange
	// KindNotFound means a referenced track ID or subtitle language
	// isn't present.
	KindNotFound
	// KindTransport carries a pre-formatted "NNN <reason>" message for
	// an HTTP collaborator to map directly to a status code without
	// re-classifying the underlying error.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnknownBox:
		return "unknown-box"
	case KindUnsupportedEditList:
		return "unsupported-edit-list"
	case KindOutOfRange:
		return "out-of-range"
	case KindNotFound:
		return "not-found"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a context-carrying cause, following the
// errors.Wrap convention used throughout this module.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a Kind-tagged error with a formatted message and no cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and context message to an existing error, using
// github.com/pkg/errors so the original stack trace survives.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

// As reports whether err (or any error in its chain) is an *Error, and
// if so returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// Transport formats a transport-shaped error per spec: a status-code
// text prefix an HTTP collaborator can lift verbatim, e.g.
// Transport(415, "codec %q not supported", codec).
func Transport(status int, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	return New(KindTransport, "%d %s", status, reason)
}
