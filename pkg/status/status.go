// Package status provides the three-valued internal status model used
// throughout the feedback loop, sessions, and rule codec: OK, NotSupported,
// or Error. It is the control-flow counterpart to infrastructure/errors,
// which is reserved for the HTTP error-response boundary.
package status

import "fmt"

// Code is one of the three states a control-plane operation can settle on.
type Code int

const (
	codeOK Code = iota
	codeNotSupported
	codeError
)

// Status wraps a Code plus, for the Error case, the underlying cause.
type Status struct {
	code Code
	err  error
}

// OK returns a successful status.
func OK() Status { return Status{code: codeOK} }

// NotSupported returns a status for an operation the receiver does not
// implement (distinct from a failure: the caller should not retry).
func NotSupported() Status { return Status{code: codeNotSupported} }

// Error wraps err in an Error status. A nil err still produces an Error
// status, since callers reach for Error() precisely because something
// went wrong; use OK() for the success case.
func Error(err error) Status { return Status{code: codeError, err: err} }

// Errorf builds an Error status from a format string, analogous to
// fmt.Errorf.
func Errorf(format string, args ...any) Status {
	return Status{code: codeError, err: fmt.Errorf(format, args...)}
}

func (s Status) IsOK() bool          { return s.code == codeOK }
func (s Status) IsNotSupported() bool { return s.code == codeNotSupported }
func (s Status) IsError() bool       { return s.code == codeError }

// Err returns the underlying error, or nil if the status is not Error.
func (s Status) Err() error { return s.err }

// String renders the status for logging.
func (s Status) String() string {
	switch s.code {
	case codeOK:
		return "OK"
	case codeNotSupported:
		return "NotSupported"
	case codeError:
		if s.err != nil {
			return "Error: " + s.err.Error()
		}
		return "Error"
	default:
		return "Unknown"
	}
}
