// Package pipeline coordinates task execution: scheduling under a
// concurrency bound, condition evaluation, session chaining, pause,
// resume, and cancellation. Durable snapshots are written at every step
// boundary so an interrupted pipeline can be resumed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/segue-sh/segue/internal/events"
	"github.com/segue-sh/segue/internal/executor"
	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/state"
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ErrPipelineNotActive is returned by Pause/Cancel calls naming a
// pipeline that is not currently executing in this process.
var ErrPipelineNotActive = errors.New("pipeline is not active")

// TaskExecutor runs one task to completion or cancellation. Implemented
// by *executor.Executor; tests substitute fakes.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, req executor.Request) (*model.TaskResult, error)
}

// Options configures one pipeline run. Zero fields fall back to the
// runner's configuration.
type Options struct {
	Name               string
	WorkingDir         string
	ParallelTasksCount int
	CheckShell         string
}

// Runner executes pipelines. One Runner serves many concurrent
// executions; each execution has a coordinator goroutine that launches
// task goroutines under a weighted semaphore.
type Runner struct {
	exec  TaskExecutor
	store *state.Store
	bus   *events.Bus
	cfg   model.Config

	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel

	mu    sync.Mutex
	execs map[string]*execution
}

// execution is the in-memory state of one running pipeline. Mutable
// fields are guarded by Runner.mu; the task slice is never reallocated
// after construction so element pointers stay stable.
type execution struct {
	id         string
	name       string
	workingDir string
	checkShell string
	createdAt  string

	tasks        []model.TaskItem
	launched     map[int]bool
	cancels      map[string]context.CancelFunc
	inFlight     int
	currentIndex int

	pauseRequested  bool
	cancelRequested bool
	pausedAt        string
	resumed         bool

	// settleMu serializes the run's final store write against late
	// Pause persists; settled is set under it once the last word has
	// been written.
	settleMu sync.Mutex
	settled  bool

	sem  *semaphore.Weighted
	wake chan struct{}
}

func (ex *execution) wakeup() {
	select {
	case ex.wake <- struct{}{}:
	default:
	}
}

// NewRunner creates a Runner logging to .segue/logs/runner.log with
// rotation.
func NewRunner(segueDir string, cfg model.Config, exec TaskExecutor, store *state.Store, bus *events.Bus) *Runner {
	w := &lumberjack.Logger{
		Filename:   filepath.Join(segueDir, "logs", "runner.log"),
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	}
	return newRunner(cfg, exec, store, bus, w, w)
}

// newRunner is the internal constructor that accepts an io.Writer for testing.
func newRunner(cfg model.Config, exec TaskExecutor, store *state.Store, bus *events.Bus, w io.Writer, closer io.Closer) *Runner {
	return &Runner{
		exec:     exec,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		logger:   log.New(w, "", 0),
		logFile:  closer,
		logLevel: parseLogLevel(cfg.Logging.Level),
		execs:    make(map[string]*execution),
	}
}

// Close releases the log writer.
func (r *Runner) Close() error {
	if r.logFile != nil {
		return r.logFile.Close()
	}
	return nil
}

// RunWorkflow executes every job of a validated workflow as one
// pipeline and blocks until it finishes, pauses, or is cancelled.
func (r *Runner) RunWorkflow(ctx context.Context, wf *model.Workflow, opts Options) (*model.PipelineExecutionState, error) {
	if opts.Name == "" {
		opts.Name = wf.Name
	}
	tasks := TasksFromWorkflow(wf, r.cfg.Executor.DefaultModel)
	return r.RunTasks(ctx, tasks, opts)
}

// RunTasks executes an ad hoc task list as one pipeline and blocks
// until it finishes, pauses, or is cancelled.
func (r *Runner) RunTasks(ctx context.Context, tasks []model.TaskItem, opts Options) (*model.PipelineExecutionState, error) {
	ex, err := r.prepare(tasks, opts)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, ex)
}

// StartWorkflow launches a workflow pipeline asynchronously and returns
// its id at once. The daemon uses this so IPC responses never wait on
// task execution.
func (r *Runner) StartWorkflow(ctx context.Context, wf *model.Workflow, opts Options) (string, int, error) {
	if opts.Name == "" {
		opts.Name = wf.Name
	}
	tasks := TasksFromWorkflow(wf, r.cfg.Executor.DefaultModel)
	id, err := r.StartTasks(ctx, tasks, opts)
	return id, len(tasks), err
}

// StartTasks launches an ad hoc pipeline asynchronously and returns its
// id at once.
func (r *Runner) StartTasks(ctx context.Context, tasks []model.TaskItem, opts Options) (string, error) {
	ex, err := r.prepare(tasks, opts)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = r.run(ctx, ex)
	}()
	return ex.id, nil
}

func (r *Runner) prepare(tasks []model.TaskItem, opts Options) (*execution, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("run pipeline: no tasks")
	}
	ex := r.newExecution(model.GenerateID(model.IDTypePipeline), tasks, opts)
	ex.createdAt = time.Now().UTC().Format(time.RFC3339)
	r.register(ex)
	return ex, nil
}

// Resume reloads a stored snapshot and continues execution from where
// it stopped. Tasks recorded as running (a crash mid-task) are reset to
// pending and re-executed; completed tasks keep their sessions, so the
// chain resolves exactly as it would have in the original run.
func (r *Runner) Resume(ctx context.Context, pipelineID string) (*model.PipelineExecutionState, error) {
	r.mu.Lock()
	if _, active := r.execs[pipelineID]; active {
		r.mu.Unlock()
		return nil, fmt.Errorf("resume %s: pipeline is already running", pipelineID)
	}
	r.mu.Unlock()

	st, err := r.store.Load(pipelineID)
	if err != nil {
		return nil, err
	}

	for i := range st.Tasks {
		if st.Tasks[i].Status == model.TaskStatusRunning {
			st.Tasks[i].Status = model.TaskStatusPending
		}
	}

	ex := r.newExecution(st.PipelineID, st.Tasks, Options{
		Name:       st.Name,
		WorkingDir: st.WorkingDir,
	})
	ex.createdAt = st.CreatedAt
	ex.currentIndex = st.CurrentIndex
	ex.resumed = true

	r.register(ex)
	return r.run(ctx, ex)
}

// Pause asks an active pipeline to stop launching tasks. Running tasks
// finish normally; a snapshot is captured immediately and again once
// the pipeline goes quiet. Returns ErrPipelineNotActive for unknown ids.
func (r *Runner) Pause(pipelineID string) error {
	r.mu.Lock()
	ex, ok := r.execs[pipelineID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("pause %s: %w", pipelineID, ErrPipelineNotActive)
	}
	if !ex.pauseRequested {
		ex.pauseRequested = true
		ex.pausedAt = time.Now().UTC().Format(time.RFC3339)
	}
	r.mu.Unlock()

	r.log(LogLevelInfo, "pipeline_pause_requested pipeline_id=%s", pipelineID)
	if err := r.persistPause(ex); err != nil {
		return fmt.Errorf("pause %s: %w", pipelineID, err)
	}
	ex.wakeup()
	return nil
}

// CancelTask terminates one running task. With an empty taskID every
// currently running task of the pipeline is terminated. The pipeline
// itself keeps going; dependents observe the cancelled outcome through
// their conditions.
func (r *Runner) CancelTask(pipelineID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.execs[pipelineID]
	if !ok {
		return fmt.Errorf("cancel task: pipeline %s: %w", pipelineID, ErrPipelineNotActive)
	}

	if taskID == "" {
		if len(ex.cancels) == 0 {
			return fmt.Errorf("cancel task: pipeline %s has no running task", pipelineID)
		}
		for id, cancel := range ex.cancels {
			r.log(LogLevelInfo, "task_cancel_requested pipeline_id=%s task_id=%s", pipelineID, id)
			cancel()
		}
		return nil
	}

	cancel, ok := ex.cancels[taskID]
	if !ok {
		return fmt.Errorf("cancel task: task %s is not running in pipeline %s", taskID, pipelineID)
	}
	r.log(LogLevelInfo, "task_cancel_requested pipeline_id=%s task_id=%s", pipelineID, taskID)
	cancel()
	return nil
}

// CancelPipeline terminates every running task and marks all tasks that
// have not started as skipped. The stored snapshot is kept with status
// cancelled for inspection.
func (r *Runner) CancelPipeline(pipelineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.execs[pipelineID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", pipelineID, ErrPipelineNotActive)
	}
	r.requestCancelLocked(ex, "pipeline cancelled")
	return nil
}

// DeleteState irreversibly removes a stored snapshot. Refused while the
// pipeline is actively executing.
func (r *Runner) DeleteState(pipelineID string) error {
	r.mu.Lock()
	_, active := r.execs[pipelineID]
	r.mu.Unlock()
	if active {
		return fmt.Errorf("delete %s: pipeline is running, cancel it first", pipelineID)
	}
	return r.store.Delete(pipelineID)
}

// ListResumable returns stored paused executions, oldest pause first.
func (r *Runner) ListResumable() ([]model.ResumableSummary, error) {
	return r.store.List()
}

// Active returns the ids of pipelines currently executing in this
// process.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.execs))
	for id := range r.execs {
		ids = append(ids, id)
	}
	return ids
}

// PauseAll requests a pause on every active pipeline, for graceful
// shutdown. Returns the ids that were asked to pause.
func (r *Runner) PauseAll() []string {
	ids := r.Active()
	for _, id := range ids {
		if err := r.Pause(id); err != nil {
			r.log(LogLevelWarn, "pause_all pipeline_id=%s error=%v", id, err)
		}
	}
	return ids
}

func (r *Runner) newExecution(id string, tasks []model.TaskItem, opts Options) *execution {
	parallel := opts.ParallelTasksCount
	if parallel <= 0 {
		parallel = r.cfg.Runner.ParallelTasksCount
	}
	if parallel <= 0 {
		parallel = 1
	}
	checkShell := opts.CheckShell
	if checkShell == "" {
		checkShell = r.cfg.Runner.CheckShell
	}
	if checkShell == "" {
		checkShell = "sh"
	}

	return &execution{
		id:         id,
		name:       opts.Name,
		workingDir: opts.WorkingDir,
		checkShell: checkShell,
		tasks:      tasks,
		launched:   make(map[int]bool, len(tasks)),
		cancels:    make(map[string]context.CancelFunc),
		sem:        semaphore.NewWeighted(int64(parallel)),
		wake:       make(chan struct{}, 1),
	}
}

func (r *Runner) register(ex *execution) {
	r.mu.Lock()
	r.execs[ex.id] = ex
	r.mu.Unlock()
}

func (r *Runner) unregister(id string) {
	r.mu.Lock()
	delete(r.execs, id)
	r.mu.Unlock()
}

// run is the coordinator loop. It is the only place tasks are launched
// and the only place the pipeline settles.
func (r *Runner) run(ctx context.Context, ex *execution) (*model.PipelineExecutionState, error) {
	defer r.unregister(ex.id)

	startType := events.EventPipelineStarted
	if ex.resumed {
		startType = events.EventPipelineResumed
	}
	r.publishPipeline(startType, ex, "")
	r.log(LogLevelInfo, "%s pipeline_id=%s name=%q tasks=%d", startType, ex.id, ex.name, len(ex.tasks))

	if err := r.persist(ex); err != nil {
		r.log(LogLevelWarn, "persist_initial pipeline_id=%s error=%v", ex.id, err)
	}

	ctxDone := ctx.Done()
	for {
		r.mu.Lock()
		if ex.cancelRequested {
			for i := range ex.tasks {
				if !ex.launched[i] && ex.tasks[i].Status == model.TaskStatusPending {
					r.transitionLocked(ex, i, model.TaskStatusSkipped, "pipeline cancelled")
				}
			}
		}
		done := ex.inFlight == 0 && allTerminal(ex.tasks)
		pauseReady := ex.pauseRequested && ex.inFlight == 0 && !done
		var toLaunch []int
		if !done && !pauseReady && !ex.pauseRequested && !ex.cancelRequested {
			toLaunch = eligibleLocked(ex)
			// Nothing running and nothing launchable means the remaining
			// pending tasks reference each other or a later task. Fail
			// them instead of stalling the coordinator forever.
			if len(toLaunch) == 0 && ex.inFlight == 0 {
				for i := range ex.tasks {
					if ex.tasks[i].Status == model.TaskStatusPending {
						ex.tasks[i].Error = "unresolvable task dependency"
						r.transitionLocked(ex, i, model.TaskStatusError, "unresolvable task dependency")
					}
				}
				done = ex.inFlight == 0 && allTerminal(ex.tasks)
			}
		}
		r.mu.Unlock()

		if done {
			return r.finish(ex)
		}
		if pauseReady {
			return r.finishPaused(ex)
		}

		for _, idx := range toLaunch {
			if !ex.sem.TryAcquire(1) {
				break
			}
			r.mu.Lock()
			ex.launched[idx] = true
			ex.inFlight++
			r.mu.Unlock()
			go r.runTask(ctx, ex, idx)
		}

		select {
		case <-ex.wake:
		case <-ctxDone:
			r.mu.Lock()
			r.requestCancelLocked(ex, "run context cancelled")
			r.mu.Unlock()
			ctxDone = nil
		}
	}
}

// eligibleLocked returns pending, unlaunched tasks whose dependency (if
// any) has settled, in list order.
func eligibleLocked(ex *execution) []int {
	var out []int
	for i := range ex.tasks {
		if ex.launched[i] || ex.tasks[i].Status != model.TaskStatusPending {
			continue
		}
		if dep := dependencyIndex(ex, i); dep >= 0 && !model.IsTerminal(ex.tasks[dep].Status) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// dependencyIndex returns the index of the latest task that must settle
// before the task at idx may launch, or -1 when it is independent. A
// conditional task waits on its predecessor even without a session
// chain, so its condition evaluates against a settled outcome.
func dependencyIndex(ex *execution, idx int) int {
	t := &ex.tasks[idx]
	dep := -1
	if t.ResumePrevious && idx > 0 {
		dep = idx - 1
	}
	if t.Condition != "" && t.Condition != model.ConditionAlways && idx-1 > dep {
		dep = idx - 1
	}
	if t.ResumeFromTaskID != "" {
		for i := range ex.tasks {
			if ex.tasks[i].ID == t.ResumeFromTaskID && i > dep {
				dep = i
			}
		}
	}
	return dep
}

// runTask drives one task from pending to a terminal status. It owns
// the semaphore slot for its whole lifetime, including condition
// evaluation, so parallel_tasks_count=1 never overlaps two tasks.
func (r *Runner) runTask(ctx context.Context, ex *execution, idx int) {
	defer func() {
		r.mu.Lock()
		ex.inFlight--
		r.mu.Unlock()
		ex.sem.Release(1)
		ex.wakeup()
	}()

	t := &ex.tasks[idx]

	r.mu.Lock()
	if ex.cancelRequested {
		r.transitionLocked(ex, idx, model.TaskStatusSkipped, "pipeline cancelled")
		r.mu.Unlock()
		return
	}
	prevSuccess, prevKnown := previousOutcome(ex, idx)
	r.mu.Unlock()

	runIt, detail := r.evaluateCondition(ctx, ex, idx, prevSuccess, prevKnown)
	if !runIt {
		r.transition(ex, idx, model.TaskStatusSkipped, detail)
		r.persistStep(ex)
		return
	}

	r.mu.Lock()
	sessionID, chainErr := resolveSessionLocked(ex, idx)
	if chainErr != nil {
		t.Error = chainErr.Error()
		r.transitionLocked(ex, idx, model.TaskStatusError, chainErr.Error())
		r.mu.Unlock()
		r.log(LogLevelWarn, "chain_resolution_failed pipeline_id=%s task_id=%s error=%v", ex.id, t.ID, chainErr)
		r.persistStep(ex)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	ex.cancels[t.ID] = cancel
	ex.currentIndex = idx
	if !r.transitionLocked(ex, idx, model.TaskStatusRunning, "") {
		delete(ex.cancels, t.ID)
		r.mu.Unlock()
		cancel()
		return
	}
	r.mu.Unlock()

	result, execErr := r.exec.ExecuteTask(taskCtx, executor.Request{
		TaskID:        t.ID,
		StepID:        t.StepID,
		Prompt:        t.Prompt,
		Model:         t.Model,
		WorkingDir:    ex.workingDir,
		AllowAllTools: t.AllowAllTools,
		SessionID:     sessionID,
	})

	r.mu.Lock()
	delete(ex.cancels, t.ID)
	switch {
	case model.IsCancelled(execErr):
		r.transitionLocked(ex, idx, model.TaskStatusCancelled, "")
	case execErr != nil:
		t.Error = execErr.Error()
		r.transitionLocked(ex, idx, model.TaskStatusError, execErr.Error())
	default:
		t.Output = result.Output
		t.ErrorOutput = result.ErrorOutput
		t.DurationMs = result.ExecutionTimeMs
		if t.OutputSession && result.SessionID != "" {
			t.SessionID = result.SessionID
		}
		if result.Success {
			r.transitionLocked(ex, idx, model.TaskStatusCompleted, "")
		} else {
			t.Error = "claude run failed"
			r.transitionLocked(ex, idx, model.TaskStatusError, firstLine(t.ErrorOutput))
		}
	}
	r.mu.Unlock()
	cancel()

	r.persistStep(ex)
}

// resolveSessionLocked maps the task's chain reference to a concrete
// session id. Returns "" with no error for unchained tasks.
func resolveSessionLocked(ex *execution, idx int) (string, error) {
	t := &ex.tasks[idx]

	chainErr := func(ref string) error {
		return &model.ChainResolutionError{
			PipelineID: ex.id,
			TaskID:     t.ID,
			StepID:     t.StepID,
			Reference:  ref,
		}
	}

	switch {
	case t.ResumePrevious:
		if idx == 0 {
			return "", chainErr("previous")
		}
		prev := &ex.tasks[idx-1]
		if prev.Status != model.TaskStatusCompleted || prev.SessionID == "" {
			return "", chainErr(prev.StepID)
		}
		return prev.SessionID, nil
	case t.ResumeFromTaskID != "":
		for i := range ex.tasks {
			dep := &ex.tasks[i]
			if dep.ID != t.ResumeFromTaskID {
				continue
			}
			if dep.Status != model.TaskStatusCompleted || dep.SessionID == "" {
				return "", chainErr(dep.StepID)
			}
			return dep.SessionID, nil
		}
		return "", chainErr(t.ResumeFromTaskID)
	}
	return "", nil
}

// requestCancelLocked flips the execution into cancellation and
// terminates every running task. Callers hold r.mu.
func (r *Runner) requestCancelLocked(ex *execution, reason string) {
	if ex.cancelRequested {
		return
	}
	ex.cancelRequested = true
	r.log(LogLevelInfo, "pipeline_cancel_requested pipeline_id=%s reason=%q", ex.id, reason)
	for _, cancel := range ex.cancels {
		cancel()
	}
	ex.wakeup()
}

func (r *Runner) finish(ex *execution) (*model.PipelineExecutionState, error) {
	r.mu.Lock()
	status := model.PipelineStatusCompleted
	for i := range ex.tasks {
		switch ex.tasks[i].Status {
		case model.TaskStatusError:
			if status != model.PipelineStatusCancelled {
				status = model.PipelineStatusFailed
			}
		case model.TaskStatusCancelled:
			status = model.PipelineStatusCancelled
		}
	}
	if ex.cancelRequested {
		status = model.PipelineStatusCancelled
	}
	st := r.snapshotLocked(ex, status)
	r.mu.Unlock()

	ex.settleMu.Lock()
	ex.settled = true
	if status == model.PipelineStatusCompleted {
		if err := r.store.Delete(ex.id); err != nil && !errors.Is(err, state.ErrStateNotFound) {
			r.log(LogLevelWarn, "delete_snapshot pipeline_id=%s error=%v", ex.id, err)
		}
	} else if err := r.store.Save(st); err != nil {
		r.log(LogLevelWarn, "persist_final pipeline_id=%s error=%v", ex.id, err)
	}
	ex.settleMu.Unlock()

	eventType := events.EventPipelineCompleted
	if status == model.PipelineStatusCancelled {
		eventType = events.EventPipelineCancelled
	}
	r.publishPipeline(eventType, ex, string(status))
	r.log(LogLevelInfo, "pipeline_finished pipeline_id=%s status=%s", ex.id, status)
	return st, nil
}

func (r *Runner) finishPaused(ex *execution) (*model.PipelineExecutionState, error) {
	r.mu.Lock()
	st := r.snapshotLocked(ex, model.PipelineStatusPaused)
	r.mu.Unlock()

	ex.settleMu.Lock()
	ex.settled = true
	err := r.store.Save(st)
	ex.settleMu.Unlock()
	if err != nil {
		return st, fmt.Errorf("persist paused pipeline %s: %w", ex.id, err)
	}

	r.publishPipeline(events.EventPipelinePaused, ex, "")
	r.log(LogLevelInfo, "pipeline_paused pipeline_id=%s paused_at=%s", ex.id, ex.pausedAt)
	return st, nil
}

// snapshotLocked copies the execution into a durable state value.
// Callers hold r.mu.
func (r *Runner) snapshotLocked(ex *execution, status model.PipelineStatus) *model.PipelineExecutionState {
	tasks := make([]model.TaskItem, len(ex.tasks))
	copy(tasks, ex.tasks)
	return &model.PipelineExecutionState{
		PipelineID:   ex.id,
		Name:         ex.name,
		WorkingDir:   ex.workingDir,
		Status:       status,
		Tasks:        tasks,
		CurrentIndex: ex.currentIndex,
		Paused:       status == model.PipelineStatusPaused,
		PausedAt:     ex.pausedAt,
		CreatedAt:    ex.createdAt,
	}
}

// persist writes the current snapshot. Used at the start of a run and
// on explicit pause, where the caller wants the error.
func (r *Runner) persist(ex *execution) error {
	r.mu.Lock()
	status := model.PipelineStatusRunning
	if ex.pauseRequested {
		status = model.PipelineStatusPaused
	}
	st := r.snapshotLocked(ex, status)
	r.mu.Unlock()
	return r.store.Save(st)
}

// persistPause writes the paused snapshot unless the run has already
// written its final word, so a pipeline that finishes while Pause is in
// flight never leaves a stale paused snapshot behind.
func (r *Runner) persistPause(ex *execution) error {
	ex.settleMu.Lock()
	defer ex.settleMu.Unlock()
	if ex.settled {
		return nil
	}
	return r.persist(ex)
}

// persistStep writes the snapshot at a step boundary. Failures are
// logged, never fatal: durable state lags but in-memory state stays
// authoritative.
func (r *Runner) persistStep(ex *execution) {
	if err := r.persist(ex); err != nil {
		r.log(LogLevelWarn, "persist_step pipeline_id=%s error=%v", ex.id, err)
	}
}

// transitionLocked applies a validated status change and publishes it.
// Returns false (and logs) when the transition is not legal, which
// happens when another path settled the task first.
func (r *Runner) transitionLocked(ex *execution, idx int, to model.TaskStatus, detail string) bool {
	t := &ex.tasks[idx]
	if err := model.ValidateTaskTransition(t.Status, to); err != nil {
		r.log(LogLevelDebug, "transition_rejected pipeline_id=%s task_id=%s error=%v", ex.id, t.ID, err)
		return false
	}
	t.Status = to
	r.bus.Publish(events.Event{
		Type:       events.EventTaskStatusChanged,
		PipelineID: ex.id,
		TaskID:     t.ID,
		StepID:     t.StepID,
		Status:     to,
		Detail:     detail,
	})
	r.log(LogLevelInfo, "task_status pipeline_id=%s task_id=%s step_id=%s status=%s", ex.id, t.ID, t.StepID, to)
	return true
}

func (r *Runner) transition(ex *execution, idx int, to model.TaskStatus, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(ex, idx, to, detail)
}

func (r *Runner) publishPipeline(t events.EventType, ex *execution, detail string) {
	r.bus.Publish(events.Event{
		Type:       t,
		PipelineID: ex.id,
		Detail:     detail,
	})
}

func allTerminal(tasks []model.TaskItem) bool {
	for i := range tasks {
		if !model.IsTerminal(tasks[i].Status) {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (r *Runner) log(level LogLevel, format string, args ...any) {
	if level < r.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s runner: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
