// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: tagerr.go — Error kinds shared by every tagring package
//
// Purpose:
//   - One Kind per failure class so callers can branch with errors.Is.
//   - *Error carries the operation and buffer name for diagnostics.
//
// Notes:
//   - Kind implements error itself: errors.Is(err, tagerr.OutOfRange) works
//     for any *Error of that kind, however deeply wrapped.
//   - OS errors stay reachable through Unwrap (errors.Is(err, unix.EEXIST)).
// ─────────────────────────────────────────────────────────────────────────────

package tagerr

import "errors"

// Kind classifies a failure.
type Kind string

const (
	Resource          Kind = "resource error"
	AlreadyExists     Kind = "already exists"
	NotFound          Kind = "not found"
	LengthMismatch    Kind = "length mismatch"
	EmptyPush         Kind = "empty push"
	OutOfRange        Kind = "out of range"
	Value             Kind = "invalid value"
	UnsupportedFormat Kind = "unsupported format"
	Format            Kind = "malformed input"
	Fit               Kind = "fit error"
	NoData            Kind = "no data"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is the concrete error returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "ringstore.Create"
	Name string // buffer or file name, may be empty
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Op
	if e.Name != "" {
		s += " " + e.Name
	}
	s += ": " + string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds an *Error without an underlying cause.
func New(kind Kind, op, name, msg string) error {
	return &Error{Kind: kind, Op: op, Name: name, Msg: msg}
}

// Wrap builds an *Error around cause. A nil cause yields nil.
func Wrap(kind Kind, op, name string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Name: name, Err: cause}
}

// KindOf reports the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is is errors.Is against a Kind.
func Is(err error, k Kind) bool { return errors.Is(err, k) }
