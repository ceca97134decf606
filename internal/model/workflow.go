// Package model defines the data structures for segue's workflows,
// tasks, configuration, and persisted execution state.
package model

// Condition controls whether a step runs based on the outcome of the
// step before it (or of an explicit check command).
type Condition string

const (
	ConditionAlways    Condition = "always"
	ConditionOnSuccess Condition = "on_success"
	ConditionOnFailure Condition = "on_failure"
)

var validConditions = map[Condition]bool{
	ConditionAlways:    true,
	ConditionOnSuccess: true,
	ConditionOnFailure: true,
}

func ValidCondition(c Condition) bool {
	return validConditions[c]
}

// Workflow is a parsed, validated workflow document. It is immutable
// after parsing: execution state lives on TaskItem, never here.
type Workflow struct {
	Name string
	// On carries the trigger block verbatim. segue never interprets it;
	// it is preserved only so serialization round-trips.
	On   any
	Jobs map[string]*Job
}

// Job is an ordered sequence of steps. Order is document order and is
// fixed at parse time.
type Job struct {
	ID    string
	Steps []Step
}

// Step is the parse-time template for one claude invocation.
type Step struct {
	ID   string
	Name string
	// Uses is the external-action reference, passed through opaquely.
	Uses string

	Prompt        string
	Model         string
	AllowAllTools bool
	OutputSession bool
	// ResumeSession holds the raw session reference as written in the
	// document. Resolution happens in the workflow package.
	ResumeSession string
	// Check is a shell command consulted by on_success/on_failure.
	Check     string
	Condition Condition
}
