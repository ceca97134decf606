package model

// PipelineExecutionState is the durable snapshot of one pipeline
// execution, written at pause and step boundaries. A reader never
// observes a half-written snapshot (see internal/yaml atomic writes).
type PipelineExecutionState struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	PipelineID   string         `yaml:"pipeline_id"`
	Name         string         `yaml:"name"`
	WorkingDir   string         `yaml:"working_dir"`
	Status       PipelineStatus `yaml:"status"`
	Tasks        []TaskItem     `yaml:"tasks"`
	CurrentIndex int            `yaml:"current_index"`
	Paused       bool           `yaml:"paused"`
	PausedAt     string         `yaml:"paused_at,omitempty"`
	CreatedAt    string         `yaml:"created_at"`
	UpdatedAt    string         `yaml:"updated_at"`
}

// ResumableSummary is the listing shape returned for paused executions.
type ResumableSummary struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	PausedAt string `yaml:"paused_at" json:"paused_at"`
}
