// Package workflow parses and validates workflow documents and
// resolves session references between steps.
package workflow

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/segue-sh/segue/internal/model"
)

// document mirrors the YAML surface of a workflow file. The parameter
// bag under `with:` stays loosely typed until extractStep checks it.
type document struct {
	Name string            `yaml:"name"`
	On   any               `yaml:"on,omitempty"`
	Jobs map[string]jobDoc `yaml:"jobs"`
}

type jobDoc struct {
	Steps []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	ID   string         `yaml:"id"`
	Name string         `yaml:"name,omitempty"`
	Uses string         `yaml:"uses,omitempty"`
	With map[string]any `yaml:"with,omitempty"`
}

// Parse decodes and validates a workflow document. It returns a
// *model.ParseError for malformed YAML and a *model.ValidationError for
// semantic violations. Validation is all-or-nothing: a returned
// Workflow always satisfies every invariant.
func Parse(data []byte) (*model.Workflow, error) {
	var doc document
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, &model.ParseError{Msg: "malformed YAML", Err: err}
	}

	if len(doc.Jobs) == 0 {
		return nil, &model.ValidationError{Msg: "workflow has no jobs"}
	}

	wf := &model.Workflow{
		Name: doc.Name,
		On:   doc.On,
		Jobs: make(map[string]*model.Job, len(doc.Jobs)),
	}

	for jobID, jd := range doc.Jobs {
		job, err := extractJob(jobID, jd)
		if err != nil {
			return nil, err
		}
		wf.Jobs[jobID] = job
	}

	return wf, nil
}

// ParseFile reads and parses a workflow document from disk.
func ParseFile(path string) (*model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ParseError{Msg: fmt.Sprintf("read %s", path), Err: err}
	}
	return Parse(data)
}

func extractJob(jobID string, jd jobDoc) (*model.Job, error) {
	if len(jd.Steps) == 0 {
		return nil, &model.ValidationError{JobID: jobID, Msg: "job has no steps"}
	}

	job := &model.Job{ID: jobID, Steps: make([]model.Step, 0, len(jd.Steps))}
	seen := make(map[string]bool, len(jd.Steps))

	for i, sd := range jd.Steps {
		if sd.ID == "" {
			return nil, &model.ValidationError{JobID: jobID, Msg: fmt.Sprintf("step %d has no id", i)}
		}
		if seen[sd.ID] {
			return nil, &model.ValidationError{JobID: jobID, StepID: sd.ID, Msg: "duplicate step id"}
		}

		step, err := extractStep(jobID, sd)
		if err != nil {
			return nil, err
		}

		// resume_session must name a step that already appeared in this
		// job, so chains always point backwards in document order.
		if step.ResumeSession != "" {
			ref := GetSessionReference(step.ResumeSession)
			if ref == "" {
				return nil, &model.ValidationError{
					JobID: jobID, StepID: sd.ID,
					Msg: fmt.Sprintf("resume_session %q matches neither reference grammar", step.ResumeSession),
				}
			}
			if !seen[ref] {
				return nil, &model.ValidationError{
					JobID: jobID, StepID: sd.ID,
					Msg: fmt.Sprintf("resume_session references %q which is not an earlier step in this job", ref),
				}
			}
		}

		seen[sd.ID] = true
		job.Steps = append(job.Steps, step)
	}

	return job, nil
}

func extractStep(jobID string, sd stepDoc) (model.Step, error) {
	step := model.Step{
		ID:        sd.ID,
		Name:      sd.Name,
		Uses:      sd.Uses,
		Model:     "auto",
		Condition: model.ConditionAlways,
	}
	if step.Name == "" {
		step.Name = sd.ID
	}

	fail := func(msg string) (model.Step, error) {
		return model.Step{}, &model.ValidationError{JobID: jobID, StepID: sd.ID, Msg: msg}
	}

	for key, value := range sd.With {
		switch key {
		case "prompt":
			s, ok := value.(string)
			if !ok {
				return fail("prompt must be a string")
			}
			step.Prompt = s
		case "model":
			s, ok := value.(string)
			if !ok {
				return fail("model must be a string")
			}
			step.Model = s
		case "allow_all_tools":
			b, ok := value.(bool)
			if !ok {
				return fail("allow_all_tools must be a boolean")
			}
			step.AllowAllTools = b
		case "output_session":
			b, ok := value.(bool)
			if !ok {
				return fail("output_session must be a boolean")
			}
			step.OutputSession = b
		case "resume_session":
			s, ok := value.(string)
			if !ok {
				return fail("resume_session must be a string")
			}
			step.ResumeSession = s
		case "check", "run":
			s, ok := value.(string)
			if !ok {
				return fail(key + " must be a string")
			}
			step.Check = s
		case "condition":
			s, ok := value.(string)
			if !ok {
				return fail("condition must be a string")
			}
			if !model.ValidCondition(model.Condition(s)) {
				return fail(fmt.Sprintf("unknown condition %q (want always, on_success, or on_failure)", s))
			}
			step.Condition = model.Condition(s)
		default:
			// Unrecognized parameters pass through to the action reference
			// untouched; segue only interprets the keys above.
		}
	}

	if step.Prompt == "" {
		return fail("prompt is required")
	}

	return step, nil
}

// Serialize renders a Workflow back into document YAML. Parsing the
// output reproduces identical step ordering and ids.
func Serialize(wf *model.Workflow) ([]byte, error) {
	doc := document{
		Name: wf.Name,
		On:   wf.On,
		Jobs: make(map[string]jobDoc, len(wf.Jobs)),
	}

	for jobID, job := range wf.Jobs {
		jd := jobDoc{Steps: make([]stepDoc, 0, len(job.Steps))}
		for _, step := range job.Steps {
			with := map[string]any{"prompt": step.Prompt}
			if step.Model != "" && step.Model != "auto" {
				with["model"] = step.Model
			}
			if step.AllowAllTools {
				with["allow_all_tools"] = true
			}
			if step.OutputSession {
				with["output_session"] = true
			}
			if step.ResumeSession != "" {
				with["resume_session"] = step.ResumeSession
			}
			if step.Check != "" {
				with["check"] = step.Check
			}
			if step.Condition != model.ConditionAlways {
				with["condition"] = string(step.Condition)
			}
			jd.Steps = append(jd.Steps, stepDoc{
				ID:   step.ID,
				Name: step.Name,
				Uses: step.Uses,
				With: with,
			})
		}
		doc.Jobs[jobID] = jd
	}

	data, err := yamlv3.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	return data, nil
}
