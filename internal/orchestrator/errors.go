package orchestrator

import (
	"errors"
	"fmt"
)

// ErrMaxIterations is matched by every MaxIterationsError.
var ErrMaxIterations = errors.New("maximum iterations reached")

// MaxIterationsError reports a call that used up its iterations without a
// terminal answer.
type MaxIterationsError struct {
	Limit int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("no final answer after %d iterations", e.Limit)
}

func (e *MaxIterationsError) Unwrap() error { return ErrMaxIterations }
