package model

import (
	"errors"
	"fmt"
)

// ErrorPhase tags which engine phase produced an error, for
// caller-facing diagnostics.
type ErrorPhase string

const (
	PhaseParse     ErrorPhase = "parse"
	PhaseValidate  ErrorPhase = "validate"
	PhaseCondition ErrorPhase = "condition"
	PhaseChain     ErrorPhase = "chain"
	PhaseExecute   ErrorPhase = "execute"
	PhasePersist   ErrorPhase = "persist"
)

// ParseError reports a workflow document that could not be decoded.
// It is fatal: no pipeline starts from a document that fails to parse.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse workflow: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("parse workflow: %s", e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Phase() ErrorPhase { return PhaseParse }

// ValidationError reports a structurally valid document that violates a
// workflow invariant. Like ParseError it aborts the run before any task
// executes.
type ValidationError struct {
	JobID  string
	StepID string
	Msg    string
}

func (e *ValidationError) Error() string {
	switch {
	case e.JobID != "" && e.StepID != "":
		return fmt.Sprintf("invalid workflow: job %q step %q: %s", e.JobID, e.StepID, e.Msg)
	case e.JobID != "":
		return fmt.Sprintf("invalid workflow: job %q: %s", e.JobID, e.Msg)
	default:
		return fmt.Sprintf("invalid workflow: %s", e.Msg)
	}
}

func (e *ValidationError) Phase() ErrorPhase { return PhaseValidate }

// CLIUnavailableError means the claude binary could not be found or
// started. It aborts only the task that attempted to run.
type CLIUnavailableError struct {
	Binary string
	TaskID string
	StepID string
	Err    error
}

func (e *CLIUnavailableError) Error() string {
	return fmt.Sprintf("claude CLI %q not available (install it or set executor.binary in .segue/config.yaml): %v",
		e.Binary, e.Err)
}

func (e *CLIUnavailableError) Unwrap() error { return e.Err }

func (e *CLIUnavailableError) Phase() ErrorPhase { return PhaseExecute }

// ChainResolutionError means a task's resume_session reference could
// not be satisfied at run time: the referenced step never ran, was
// skipped, or produced no session. Only the dependent task fails.
type ChainResolutionError struct {
	PipelineID string
	TaskID     string
	StepID     string
	Reference  string
}

func (e *ChainResolutionError) Error() string {
	return fmt.Sprintf("pipeline %s task %s (step %s): no session available for reference %q",
		e.PipelineID, e.TaskID, e.StepID, e.Reference)
}

func (e *ChainResolutionError) Phase() ErrorPhase { return PhaseChain }

// CancelledError marks an explicit mid-run termination. It is distinct
// from a run failure: the process was told to stop, it did not fail.
type CancelledError struct {
	PipelineID string
	TaskID     string
	StepID     string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("pipeline %s task %s (step %s): cancelled", e.PipelineID, e.TaskID, e.StepID)
}

func (e *CancelledError) Phase() ErrorPhase { return PhaseExecute }

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// IsCLIUnavailable reports whether err is (or wraps) a CLIUnavailableError.
func IsCLIUnavailable(err error) bool {
	var ue *CLIUnavailableError
	return errors.As(err, &ue)
}
