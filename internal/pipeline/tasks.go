package pipeline

import (
	"fmt"
	"sort"

	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/workflow"
)

// TasksFromWorkflow flattens a validated workflow into an ordered task
// list. Jobs run in lexical id order so repeated runs of the same
// document schedule identically; steps keep document order. Session
// references are resolved to concrete task ids here, while step ids are
// still in scope per job.
func TasksFromWorkflow(wf *model.Workflow, defaultModel string) []model.TaskItem {
	jobIDs := make([]string, 0, len(wf.Jobs))
	for id := range wf.Jobs {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs)

	var tasks []model.TaskItem
	for _, jobID := range jobIDs {
		job := wf.Jobs[jobID]
		taskByStep := make(map[string]string, len(job.Steps))

		for _, step := range job.Steps {
			id := model.GenerateID(model.IDTypeTask)
			item := model.TaskItem{
				ID:            id,
				StepID:        step.ID,
				Name:          step.Name,
				Status:        model.TaskStatusPending,
				Prompt:        step.Prompt,
				Model:         step.Model,
				AllowAllTools: step.AllowAllTools,
				OutputSession: step.OutputSession,
				Check:         step.Check,
				Condition:     step.Condition,
			}
			if item.Model == "" {
				item.Model = defaultModel
			}
			if ref := workflow.GetSessionReference(step.ResumeSession); ref != "" {
				// The parser guarantees ref names an earlier step in this job.
				item.ResumeFromTaskID = taskByStep[ref]
			}
			taskByStep[step.ID] = id
			tasks = append(tasks, item)
		}
	}
	return tasks
}

// TasksFromPrompts builds an ad hoc task list, one task per prompt.
// With chain set, each task after the first resumes the session of the
// one before it.
func TasksFromPrompts(prompts []string, modelName string, chain bool) []model.TaskItem {
	tasks := make([]model.TaskItem, 0, len(prompts))
	for i, prompt := range prompts {
		item := model.TaskItem{
			ID:            model.GenerateID(model.IDTypeTask),
			StepID:        fmt.Sprintf("task-%d", i+1),
			Name:          fmt.Sprintf("task %d", i+1),
			Status:        model.TaskStatusPending,
			Prompt:        prompt,
			Model:         modelName,
			OutputSession: true,
			Condition:     model.ConditionAlways,
		}
		if chain && i > 0 {
			item.ResumePrevious = true
		}
		tasks = append(tasks, item)
	}
	return tasks
}
