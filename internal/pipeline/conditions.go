package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/segue-sh/segue/internal/model"
)

// previousOutcome reports the outcome the nearest earlier non-skipped
// task settled on. known=false means the outcome counts as neither
// success nor failure (a cancelled predecessor), so both on_success and
// on_failure skip. With no predecessor at all, nothing has failed yet
// and the outcome counts as success.
func previousOutcome(ex *execution, idx int) (success, known bool) {
	for i := idx - 1; i >= 0; i-- {
		switch ex.tasks[i].Status {
		case model.TaskStatusSkipped:
			continue
		case model.TaskStatusCompleted:
			return true, true
		case model.TaskStatusError:
			return false, true
		default:
			return false, false
		}
	}
	return true, true
}

// evaluateCondition decides whether the task at idx may run. A check
// command, when present, replaces the predecessor outcome entirely.
// The returned detail explains a skip; it is empty when the task runs.
func (r *Runner) evaluateCondition(ctx context.Context, ex *execution, idx int, prevSuccess, prevKnown bool) (bool, string) {
	t := &ex.tasks[idx]
	cond := t.Condition
	if cond == "" || cond == model.ConditionAlways {
		return true, ""
	}

	success, known := prevSuccess, prevKnown
	source := "previous task"
	if t.Check != "" {
		ok, out := r.runCheck(ctx, ex, t)
		success, known = ok, true
		source = "check command"
		if out != "" {
			source = fmt.Sprintf("check command (%s)", out)
		}
	}

	switch cond {
	case model.ConditionOnSuccess:
		if known && success {
			return true, ""
		}
	case model.ConditionOnFailure:
		if known && !success {
			return true, ""
		}
	}
	return false, fmt.Sprintf("condition %s not met by %s", cond, source)
}

// runCheck executes the task's check command through the configured
// shell in the pipeline working directory. Exit 0 is success; any
// non-zero exit is failure. A check that cannot execute at all counts
// as a failed evaluation, it never aborts the pipeline.
func (r *Runner) runCheck(ctx context.Context, ex *execution, t *model.TaskItem) (bool, string) {
	cmd := exec.CommandContext(ctx, ex.checkShell, "-c", t.Check)
	cmd.Dir = ex.workingDir
	out, err := cmd.CombinedOutput()
	if err == nil {
		r.log(LogLevelDebug, "check_passed task_id=%s step_id=%s", t.ID, t.StepID)
		return true, ""
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.log(LogLevelDebug, "check_failed task_id=%s step_id=%s exit_code=%d", t.ID, t.StepID, exitErr.ExitCode())
		return false, strings.TrimSpace(string(out))
	}

	r.log(LogLevelWarn, "check_error task_id=%s step_id=%s error=%v", t.ID, t.StepID, err)
	return false, fmt.Sprintf("check failed to run: %v", err)
}
