package model

import "fmt"

// TaskStatus is the lifecycle state of a single task in a pipeline.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// PipelineStatus is the lifecycle state of a whole pipeline execution.
type PipelineStatus string

const (
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusPaused    PipelineStatus = "paused"
	PipelineStatusCompleted PipelineStatus = "completed"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusError:     true,
	TaskStatusSkipped:   true,
	TaskStatusCancelled: true,
}

// Task transitions are monotonic: once terminal, a task never moves again.
// skipped and chain-resolution errors are reached directly from pending,
// without the task ever starting.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusRunning:   true,
		TaskStatusSkipped:   true,
		TaskStatusError:     true, // chain resolution failure, task never started
		TaskStatusCancelled: true, // pipeline cancel before start
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true,
		TaskStatusError:     true,
		TaskStatusCancelled: true,
	},
}

var terminalPipelineStatuses = map[PipelineStatus]bool{
	PipelineStatusCompleted: true,
	PipelineStatusFailed:    true,
	PipelineStatusCancelled: true,
}

func IsTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsPipelineTerminal(s PipelineStatus) bool {
	return terminalPipelineStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
