package sandbox

import (
	"errors"
	"fmt"
)

// ErrorTag prefixes every sentinel text result returned to sandboxed code.
const ErrorTag = "__LLM_ERROR__"

var (
	// ErrToolHandlerRequired is a configuration error: tools were supplied
	// to a query without a handler to resolve them.
	ErrToolHandlerRequired = errors.New("tool_handler is required when tools are provided")

	// ErrTimeout is returned by a Runner when code exceeds its wall-clock limit.
	ErrTimeout = errors.New("execution timed out")

	// ErrClosed is returned by an Environment after Close.
	ErrClosed = errors.New("sandbox closed")

	// ErrUnknownTool is returned when a query names a tool the environment
	// does not have.
	ErrUnknownTool = errors.New("unknown tool")
)

// ToolLoopSentinel is the text result of a query that used up its tool
// rounds without a plain-content answer.
func ToolLoopSentinel(bound int) string {
	return fmt.Sprintf("%s|tool_loop_error|%d", ErrorTag, bound)
}

// CommandError reports a failure to start or supervise the interpreter.
type CommandError struct {
	Cmd   string
	Stage string
	Cause error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed at %s: %v", e.Cmd, e.Stage, e.Cause)
}

func (e *CommandError) Unwrap() error { return e.Cause }
