package debug

import (
	"fmt"
	"runtime"
)

// NOTE: assertions guard programmer invariants only. anything that originates
// from a remote peer must be validated and dropped, never asserted.

// Assert panics with the caller's location when truth is false. msgAndArgs is
// an optional format string followed by its arguments.
func Assert(truth bool, msgAndArgs ...any) {
	if truth {
		return
	}

	msg := "assertion failed"
	if len(msgAndArgs) > 0 {
		format, ok := msgAndArgs[0].(string)
		if !ok {
			panic("invalid assert args")
		}
		msg = fmt.Sprintf("assertion failed(%s)", fmt.Sprintf(format, msgAndArgs[1:]...))
	}

	// include information about the assertion location. due to panic
	// recovery, this location is otherwise buried in the middle of the
	// panicking stack.
	if _, file, line, ok := runtime.Caller(1); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
