package native

import (
	"fmt"

	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

// CallError reports a registry call that returned a non-OK code.
type CallError struct {
	Call string
	RC   ReturnCode
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Call, e.RC)
}

// Failure returns a Native kind error for call having returned rc.
func Failure(call string, rc ReturnCode) error {
	return rrserrors.Native.Explain("registry call failed").Wrap(&CallError{Call: call, RC: rc})
}

// Fatal returns a Fatal kind error for call having returned rc.
func Fatal(call string, rc ReturnCode) error {
	return rrserrors.Fatal.Explain("registry call failed").Wrap(&CallError{Call: call, RC: rc})
}

// RCOf extracts the return code from an error produced by Failure or Fatal.
func RCOf(err error) (ReturnCode, bool) {
	var ce *CallError
	if rrserrors.As(err, &ce) {
		return ce.RC, true
	}
	return 0, false
}
