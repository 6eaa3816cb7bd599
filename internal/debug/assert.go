package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth is false. Use it only for conditions that mean the
// program itself is wrong, never for bad input read off the network.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		msg := fmt.Sprintf("assertion failed(%s)", msg)
		// include the assertion location; after panic recovery it is
		// otherwise buried in the middle of the panicking stack.
		if _, file, line, ok := runtime.Caller(1); ok {
			msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
		}
		panic(msg)
	}
}
