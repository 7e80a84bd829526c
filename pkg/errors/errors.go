// Package errors provides the error kinds surfaced by the native transaction coordinator
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an error so callers can branch on it instead of matching messages.
type Kind string

const (
	KindUnknown           Kind = "Unknown"
	KindIllegalState      Kind = "IllegalState"
	KindNative            Kind = "Native"
	KindFatal             Kind = "Fatal"
	KindRollback          Kind = "Rollback"
	KindHeuristicMixed    Kind = "HeuristicMixed"
	KindHeuristicCommit   Kind = "HeuristicCommit"
	KindInconsistentLocal Kind = "InconsistentLocal"
	KindConfiguration     Kind = "Configuration"
)

// Kind sentinels. Compare with errors.Is; derive concrete errors with Explain.
var (
	IllegalState      = NewWithKind(KindIllegalState)
	Native            = NewWithKind(KindNative)
	Fatal             = NewWithKind(KindFatal)
	Rollback          = NewWithKind(KindRollback)
	HeuristicMixed    = NewWithKind(KindHeuristicMixed)
	HeuristicCommit   = NewWithKind(KindHeuristicCommit)
	InconsistentLocal = NewWithKind(KindInconsistentLocal)
	Configuration     = NewWithKind(KindConfiguration)
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind Kind `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Resources names the participants involved, e.g. the danglers that failed to resolve.
	Resources []string `json:"resources,omitempty"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: KindUnknown, Message: message}
}

func NewWithKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{Kind: KindUnknown, cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if len(e.Resources) > 0 {
		str += fmt.Sprintf(" %v", e.Resources)
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind Kind) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithResources returns a copy of the error naming the given resources.
func (e *Error) WithResources(names []string) *Error {
	err := *e
	err.Resources = append([]string(nil), names...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ResourcesOf returns the resource names carried by the first *Error in err's chain that has any.
func ResourcesOf(err error) []string {
	for err != nil {
		if e, ok := err.(*Error); ok && len(e.Resources) > 0 {
			return e.Resources
		}
		err = errors.Unwrap(err)
	}
	return nil
}
