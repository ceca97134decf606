package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segue-sh/segue/internal/events"
	"github.com/segue-sh/segue/internal/ipc"
	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/pipeline"
	"github.com/segue-sh/segue/internal/state"
	"github.com/segue-sh/segue/internal/workflow"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(ipc.CmdPing, func(req *ipc.Request) *ipc.Response {
		return ipc.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(ipc.CmdStatus, d.handleStatus)
	d.server.Handle(ipc.CmdRunWorkflow, d.handleRunWorkflow)
	d.server.Handle(ipc.CmdRunTasks, d.handleRunTasks)
	d.server.Handle(ipc.CmdPausePipeline, d.handlePause)
	d.server.Handle(ipc.CmdResumePipeline, d.handleResume)
	d.server.Handle(ipc.CmdCancelTask, d.handleCancelTask)
	d.server.Handle(ipc.CmdCancelPipeline, d.handleCancelPipeline)
	d.server.Handle(ipc.CmdDeleteState, d.handleDeleteState)
	d.server.Handle(ipc.CmdListResumable, d.handleListResumable)
	d.server.Handle(ipc.CmdListWorkflows, d.handleListWorkflows)
	d.server.HandleStream(ipc.CmdWatch, d.handleWatch)

	d.server.Handle(ipc.CmdShutdown, func(req *ipc.Request) *ipc.Response {
		d.log(LogLevelInfo, "shutdown requested via IPC")
		go d.Shutdown()
		return ipc.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(req *ipc.Request) *ipc.Response {
	return ipc.SuccessResponse(ipc.StatusData{
		PID:             os.Getpid(),
		UptimeSec:       int64(time.Since(d.startedAt).Seconds()),
		ActivePipelines: d.runner.Active(),
		Workflows:       d.catalog.Names(),
	})
}

func (d *Daemon) handleRunWorkflow(req *ipc.Request) *ipc.Response {
	var params ipc.RunWorkflowParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}

	var wf *model.Workflow
	switch {
	case params.Path != "":
		parsed, err := workflow.ParseFile(params.Path)
		if err != nil {
			return workflowError(err)
		}
		wf = parsed
	case params.Name != "":
		catalogued, ok := d.catalog.Get(params.Name)
		if !ok {
			return ipc.ErrorResponse(ipc.ErrCodeNotFound, fmt.Sprintf("no workflow named %q", params.Name))
		}
		wf = catalogued
	default:
		return ipc.ErrorResponse(ipc.ErrCodeValidation, "run_workflow needs a name or a path")
	}

	tasks := pipeline.TasksFromWorkflow(wf, d.config.Executor.DefaultModel)
	id, err := d.runner.StartTasks(d.ctx, tasks, pipeline.Options{
		Name:               wf.Name,
		WorkingDir:         d.projectDir,
		ParallelTasksCount: params.Parallel,
	})
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.SuccessResponse(ipc.RunStartedData{PipelineID: id, TaskCount: len(tasks)})
}

func (d *Daemon) handleRunTasks(req *ipc.Request) *ipc.Response {
	var params ipc.RunTasksParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}
	if len(params.Prompts) == 0 {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, "run_tasks needs at least one prompt")
	}

	modelName := params.Model
	if modelName == "" {
		modelName = d.config.Executor.DefaultModel
	}
	tasks := pipeline.TasksFromPrompts(params.Prompts, modelName, params.Chain)

	id, err := d.runner.StartTasks(d.ctx, tasks, pipeline.Options{
		Name:               "ad hoc tasks",
		WorkingDir:         d.projectDir,
		ParallelTasksCount: params.Parallel,
	})
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.SuccessResponse(ipc.RunStartedData{PipelineID: id, TaskCount: len(tasks)})
}

func (d *Daemon) handlePause(req *ipc.Request) *ipc.Response {
	params, resp := pipelineParams(req)
	if resp != nil {
		return resp
	}
	if err := d.runner.Pause(params.PipelineID); err != nil {
		return runnerError(err)
	}
	return ipc.SuccessResponse(map[string]string{"pipeline_id": params.PipelineID, "status": "pausing"})
}

func (d *Daemon) handleResume(req *ipc.Request) *ipc.Response {
	params, resp := pipelineParams(req)
	if resp != nil {
		return resp
	}

	if _, err := d.store.Load(params.PipelineID); err != nil {
		return runnerError(err)
	}

	go func(id string) {
		if _, err := d.runner.Resume(d.ctx, id); err != nil {
			d.log(LogLevelError, "resume pipeline_id=%s error=%v", id, err)
		}
	}(params.PipelineID)

	return ipc.SuccessResponse(map[string]string{"pipeline_id": params.PipelineID, "status": "resuming"})
}

func (d *Daemon) handleCancelTask(req *ipc.Request) *ipc.Response {
	var params ipc.CancelTaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}
	if params.PipelineID == "" {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, "pipeline_id is required")
	}
	if err := d.runner.CancelTask(params.PipelineID, params.TaskID); err != nil {
		return runnerError(err)
	}
	return ipc.SuccessResponse(map[string]string{"pipeline_id": params.PipelineID, "status": "cancelling"})
}

func (d *Daemon) handleCancelPipeline(req *ipc.Request) *ipc.Response {
	params, resp := pipelineParams(req)
	if resp != nil {
		return resp
	}
	if err := d.runner.CancelPipeline(params.PipelineID); err != nil {
		return runnerError(err)
	}
	return ipc.SuccessResponse(map[string]string{"pipeline_id": params.PipelineID, "status": "cancelling"})
}

func (d *Daemon) handleDeleteState(req *ipc.Request) *ipc.Response {
	params, resp := pipelineParams(req)
	if resp != nil {
		return resp
	}
	if err := d.runner.DeleteState(params.PipelineID); err != nil {
		return runnerError(err)
	}
	return ipc.SuccessResponse(map[string]string{"pipeline_id": params.PipelineID, "status": "deleted"})
}

func (d *Daemon) handleListResumable(req *ipc.Request) *ipc.Response {
	list, err := d.runner.ListResumable()
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	if list == nil {
		list = []model.ResumableSummary{}
	}
	return ipc.SuccessResponse(list)
}

func (d *Daemon) handleListWorkflows(req *ipc.Request) *ipc.Response {
	return ipc.SuccessResponse(map[string]any{
		"workflows": d.catalog.Names(),
		"errors":    d.catalog.Errors(),
	})
}

// handleWatch streams engine events until the client disconnects or the
// daemon shuts down. A slow client loses events rather than slowing the
// engine.
func (d *Daemon) handleWatch(req *ipc.Request, send func(v any) error) error {
	ch := make(chan events.Event, 256)
	unsubscribe := d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-d.ctx.Done():
			return nil
		case e := <-ch:
			if err := send(ipc.SuccessResponse(e)); err != nil {
				return err
			}
		}
	}
}

func pipelineParams(req *ipc.Request) (ipc.PipelineParams, *ipc.Response) {
	var params ipc.PipelineParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}
	if params.PipelineID == "" {
		return params, ipc.ErrorResponse(ipc.ErrCodeValidation, "pipeline_id is required")
	}
	return params, nil
}

// runnerError maps engine errors to wire codes.
func runnerError(err error) *ipc.Response {
	switch {
	case errors.Is(err, pipeline.ErrPipelineNotActive):
		return ipc.ErrorResponse(ipc.ErrCodeNotActive, err.Error())
	case errors.Is(err, state.ErrStateNotFound):
		return ipc.ErrorResponse(ipc.ErrCodeNotFound, err.Error())
	case model.IsCLIUnavailable(err):
		return ipc.ErrorResponse(ipc.ErrCodeCLIUnavailable, err.Error())
	case model.IsCancelled(err):
		return ipc.ErrorResponse(ipc.ErrCodeCancelled, err.Error())
	default:
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
}

// workflowError maps parse and validation failures to wire codes.
func workflowError(err error) *ipc.Response {
	var pe *model.ParseError
	if errors.As(err, &pe) {
		return ipc.ErrorResponse(ipc.ErrCodeParse, err.Error())
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
}
