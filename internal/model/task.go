package model

// TaskItem is the runtime instance of a step during one pipeline
// execution. It is created per attempt and mutated only by the runner.
type TaskItem struct {
	ID     string     `yaml:"id"`
	StepID string     `yaml:"step_id"`
	Name   string     `yaml:"name"`
	Status TaskStatus `yaml:"status"`

	Prompt        string    `yaml:"prompt"`
	Model         string    `yaml:"model"`
	AllowAllTools bool      `yaml:"allow_all_tools"`
	OutputSession bool      `yaml:"output_session"`
	Check         string    `yaml:"check,omitempty"`
	Condition     Condition `yaml:"condition"`

	// ResumeFromTaskID names an earlier task whose session this task
	// continues, resolved from the step's resume_session reference at
	// build time. ResumePrevious continues whatever session the
	// immediately preceding task produced.
	ResumeFromTaskID string `yaml:"resume_from_task_id,omitempty"`
	ResumePrevious   bool   `yaml:"resume_previous,omitempty"`

	Output      string `yaml:"output,omitempty"`
	ErrorOutput string `yaml:"error_output,omitempty"`
	SessionID   string `yaml:"session_id,omitempty"`
	// Error holds the recorded failure reason (run failure, chain
	// resolution, CLI unavailable). Empty for healthy tasks.
	Error      string `yaml:"error,omitempty"`
	DurationMs int64  `yaml:"duration_ms,omitempty"`
}

// TaskResult is the structured outcome of one claude invocation.
type TaskResult struct {
	Success         bool
	Output          string
	ErrorOutput     string
	ExecutionTimeMs int64
	SessionID       string
}
