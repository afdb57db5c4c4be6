package workflow

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoBranchMatched is returned when a switch step has no branch whose
// condition evaluates true for the current context.
var ErrNoBranchMatched = errors.New("no branch matched")

// StepExecutionError wraps a failure raised by a step's action. It
// always carries the failing step's name.
type StepExecutionError struct {
	StepName string
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step '%s' failed: %v", e.StepName, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// NewStepExecutionError wraps err with the failing step's name.
func NewStepExecutionError(stepName string, err error) *StepExecutionError {
	return &StepExecutionError{StepName: stepName, Err: err}
}

// DefinitionError signals a malformed workflow definition (duplicate
// step names, unknown actions, invalid DSL). It is raised at build or
// load time, before any run is submitted.
type DefinitionError struct {
	Workflow string
	Reason   string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid workflow '%s': %s", e.Workflow, e.Reason)
}
