package engine

import (
	"errors"
	"fmt"

	"github.com/nidhogg/overseer/internal/playbook"
)

// ErrorKind classifies run failures so operators can route them.
type ErrorKind string

const (
	KindDefinitionNotFound      ErrorKind = "DefinitionNotFound"
	KindInvalidStepConfig       ErrorKind = "InvalidStepConfig"
	KindUnmatchedBranch         ErrorKind = "UnmatchedBranch"
	KindStepExecutionFailure    ErrorKind = "StepExecutionFailure"
	KindHumanEscalationRequired ErrorKind = "HumanEscalationRequired"
)

// ErrDefinitionNotFound is returned when a playbook definition does not
// exist for the org. A run row is never created in that case.
var ErrDefinitionNotFound = errors.New("playbook definition not found")

// ErrRunNotFound is returned by repositories when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrRunTerminal rejects a redrive of a run that already reached a terminal
// state. A run transitions to a terminal state at most once.
var ErrRunTerminal = errors.New("run already in a terminal state")

// ErrUnmatchedBranch marks a branch evaluation where no condition matched
// and no default step key was configured.
var ErrUnmatchedBranch = errors.New("no branch condition matched and no default configured")

// EscalationError aborts a run because a step explicitly escalated to human.
type EscalationError struct {
	StepKey string
	Level   EscalationLevel
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("step %s escalated to %s, human intervention required", e.StepKey, e.Level)
}

// RunError is the structured terminal error stored on a failed run. Stack
// carries the failing step key and the full wrapped error chain.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf classifies an arbitrary step failure into the error taxonomy.
func KindOf(err error) ErrorKind {
	var cfgErr *playbook.ConfigError
	var escErr *EscalationError
	switch {
	case errors.Is(err, ErrDefinitionNotFound):
		return KindDefinitionNotFound
	case errors.As(err, &cfgErr):
		return KindInvalidStepConfig
	case errors.Is(err, ErrUnmatchedBranch):
		return KindUnmatchedBranch
	case errors.As(err, &escErr):
		return KindHumanEscalationRequired
	default:
		return KindStepExecutionFailure
	}
}

// newRunError folds a step-level failure into the run's terminal error.
func newRunError(stepKey string, err error) *RunError {
	return &RunError{
		Kind:    KindOf(err),
		Message: err.Error(),
		Stack:   fmt.Sprintf("step=%s: %+v", stepKey, err),
	}
}
