package reliability

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrHandlerPanic marks errors produced from a recovered handler panic
var ErrHandlerPanic = errors.New("handler panicked")

// PanicError represents a recovered panic in a message handler
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrHandlerPanic
}

// Capture runs fn and turns a panic into a *PanicError, so a handler that
// blows up synchronously fails the same way as one returning an error.
func Capture(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
