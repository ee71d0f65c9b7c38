package sandbox

import (
	"errors"
	"fmt"
)

// TimeoutMessage is the error text returned to callers when the watchdog
// terminates a script.
const TimeoutMessage = "Script terminated due to timeout"

var (
	// ErrTimeout is the stop reason used by the watchdog. Run converts it into
	// a structured Result; Details returns it as an error.
	ErrTimeout = errors.New("script terminated due to timeout")

	// ErrTooManyRequests is raised when a script exceeds its outbound HTTP quota.
	// It aborts the whole invocation and cannot be caught by the script.
	ErrTooManyRequests = errors.New("tool made too many HTTP requests")

	// ErrMemoryLimit is raised when heap growth during an invocation passes MaxHeapBytes.
	ErrMemoryLimit = errors.New("script exceeded memory limit")

	// ErrScript classifies failures originating in the script itself: syntax
	// errors, uncaught exceptions, missing entry points, unmarshalable results.
	ErrScript = errors.New("script execution error")
)

// ScriptError is a failure raised by the script. It matches ErrScript.
type ScriptError struct {
	Message string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error: %s", e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Is reports whether target is ErrScript.
func (e *ScriptError) Is(target error) bool {
	return target == ErrScript
}
