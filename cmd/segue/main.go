package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/segue-sh/segue/internal/daemon"
	"github.com/segue-sh/segue/internal/events"
	"github.com/segue-sh/segue/internal/executor"
	"github.com/segue-sh/segue/internal/ipc"
	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/pipeline"
	"github.com/segue-sh/segue/internal/setup"
	"github.com/segue-sh/segue/internal/state"
	"github.com/segue-sh/segue/internal/workflow"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "pause":
		runPause(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "workflows":
		runWorkflows(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "version":
		fmt.Printf("segue %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue setup <project_dir> [--name <name>]")
		os.Exit(1)
	}
	dir := args[0]
	var name string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .segue/ in %s\n", absDir)
}

func runRun(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue run <workflow.yaml> [--parallel <n>]")
		os.Exit(1)
	}
	path := args[0]
	parallel := parseParallel(args[1:])

	wf, err := workflow.ParseFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	e := newEngine()
	defer e.close()

	st := executeInteractive(e, func(ctx context.Context) (*model.PipelineExecutionState, error) {
		return e.runner.RunWorkflow(ctx, wf, pipeline.Options{
			WorkingDir:         e.projectDir,
			ParallelTasksCount: parallel,
		})
	})
	finishRun(st)
}

func runTasks(args []string) {
	var chain bool
	var modelName string
	var parallel int
	var prompts []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--chain":
			chain = true
		case "--model":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--model requires a value")
				os.Exit(1)
			}
			i++
			modelName = args[i]
		case "--parallel":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--parallel requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --parallel value: %s\n", args[i])
				os.Exit(1)
			}
			parallel = n
		default:
			prompts = append(prompts, args[i])
		}
	}
	if len(prompts) == 0 {
		fmt.Fprintln(os.Stderr, "usage: segue tasks [--chain] [--model <m>] [--parallel <n>] <prompt>...")
		os.Exit(1)
	}

	e := newEngine()
	defer e.close()

	if modelName == "" {
		modelName = e.cfg.Executor.DefaultModel
	}
	tasks := pipeline.TasksFromPrompts(prompts, modelName, chain)

	st := executeInteractive(e, func(ctx context.Context) (*model.PipelineExecutionState, error) {
		return e.runner.RunTasks(ctx, tasks, pipeline.Options{
			Name:               "ad hoc tasks",
			WorkingDir:         e.projectDir,
			ParallelTasksCount: parallel,
		})
	})
	finishRun(st)
}

func runResume(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue resume <pipeline-id>")
		os.Exit(1)
	}
	id := args[0]

	e := newEngine()
	defer e.close()

	st := executeInteractive(e, func(ctx context.Context) (*model.PipelineExecutionState, error) {
		return e.runner.Resume(ctx, id)
	})
	finishRun(st)
}

func runList(args []string) {
	jsonOutput := hasFlag(args, "--json")

	segueDir := mustFindSegueDir()
	list, err := state.NewStore(segueDir).List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(out))
		return
	}
	if len(list) == 0 {
		fmt.Println("No paused pipelines.")
		return
	}
	fmt.Printf("%-28s %-24s %s\n", "PIPELINE", "PAUSED AT", "NAME")
	for _, item := range list {
		fmt.Printf("%-28s %-24s %s\n", item.ID, item.PausedAt, item.Name)
	}
}

func runDelete(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue delete <pipeline-id>")
		os.Exit(1)
	}
	id := args[0]

	segueDir := mustFindSegueDir()
	if err := state.NewStore(segueDir).Delete(id); err != nil {
		fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %s\n", id)
}

func runPause(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue pause <pipeline-id>")
		os.Exit(1)
	}
	sendDaemon(ipc.CmdPausePipeline, ipc.PipelineParams{PipelineID: args[0]})
	fmt.Printf("Pausing %s\n", args[0])
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue cancel <pipeline-id> [--task <task-id>]")
		os.Exit(1)
	}
	id := args[0]
	var taskID string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--task":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--task requires a value")
				os.Exit(1)
			}
			i++
			taskID = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	if taskID != "" {
		sendDaemon(ipc.CmdCancelTask, ipc.CancelTaskParams{PipelineID: id, TaskID: taskID})
		fmt.Printf("Cancelling task %s in %s\n", taskID, id)
		return
	}
	sendDaemon(ipc.CmdCancelPipeline, ipc.PipelineParams{PipelineID: id})
	fmt.Printf("Cancelling %s\n", id)
}

func runStart(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: segue start <workflow-name> [--parallel <n>]")
		os.Exit(1)
	}
	name := args[0]
	parallel := parseParallel(args[1:])

	params := ipc.RunWorkflowParams{Name: name, Parallel: parallel}
	if looksLikePath(name) {
		abs, err := filepath.Abs(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "start: %v\n", err)
			os.Exit(1)
		}
		params = ipc.RunWorkflowParams{Path: abs, Parallel: parallel}
	}

	resp := sendDaemon(ipc.CmdRunWorkflow, params)
	var started ipc.RunStartedData
	if err := json.Unmarshal(resp.Data, &started); err != nil {
		fmt.Fprintf(os.Stderr, "start: bad response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Started %s (%d tasks). Follow it with: segue watch\n", started.PipelineID, started.TaskCount)
}

func runStatus(args []string) {
	jsonOutput := hasFlag(args, "--json")

	resp := sendDaemon(ipc.CmdStatus, nil)
	if jsonOutput {
		fmt.Println(string(resp.Data))
		return
	}

	var status ipc.StatusData
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		fmt.Fprintf(os.Stderr, "status: bad response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("daemon pid=%d uptime=%ds\n", status.PID, status.UptimeSec)
	fmt.Printf("active pipelines: %d\n", len(status.ActivePipelines))
	for _, id := range status.ActivePipelines {
		fmt.Printf("  %s\n", id)
	}
	fmt.Printf("workflows: %d\n", len(status.Workflows))
	for _, name := range status.Workflows {
		fmt.Printf("  %s\n", name)
	}
}

func runWatch(_ []string) {
	segueDir := mustFindSegueDir()
	client := ipc.NewClient(filepath.Join(segueDir, ipc.DefaultSocketName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := client.Stream(ctx, ipc.CmdWatch, nil, func(data json.RawMessage) error {
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		printEvent(e)
		return nil
	})
	if err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

func runWorkflows(_ []string) {
	resp := sendDaemon(ipc.CmdListWorkflows, nil)

	var data struct {
		Workflows []string          `json:"workflows"`
		Errors    map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "workflows: bad response: %v\n", err)
		os.Exit(1)
	}
	for _, name := range data.Workflows {
		fmt.Println(name)
	}
	for file, msg := range data.Errors {
		fmt.Fprintf(os.Stderr, "rejected %s: %s\n", file, msg)
	}
}

func runDaemon(_ []string) {
	segueDir := mustFindSegueDir()
	cfg, err := loadConfig(segueDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d := daemon.New(segueDir, cfg)
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles the in-process execution stack for run/tasks/resume.
type engine struct {
	segueDir   string
	projectDir string
	cfg        model.Config
	store      *state.Store
	bus        *events.Bus
	exec       *executor.Executor
	runner     *pipeline.Runner
}

func newEngine() *engine {
	segueDir := mustFindSegueDir()
	cfg, err := loadConfig(segueDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	store := state.NewStore(segueDir)
	bus := events.NewBus(256)
	exec := executor.NewExecutor(segueDir, cfg.Executor, cfg.Logging)

	return &engine{
		segueDir:   segueDir,
		projectDir: filepath.Dir(segueDir),
		cfg:        cfg,
		store:      store,
		bus:        bus,
		exec:       exec,
		runner:     pipeline.NewRunner(segueDir, cfg, exec, store, bus),
	}
}

func (e *engine) close() {
	e.bus.Close()
	_ = e.exec.Close()
	_ = e.runner.Close()
}

// executeInteractive runs a pipeline in the foreground, rendering
// events as they happen. The first interrupt pauses the pipeline so it
// can be resumed later; a second interrupt cancels it outright.
func executeInteractive(e *engine, runFn func(ctx context.Context) (*model.PipelineExecutionState, error)) *model.PipelineExecutionState {
	started := make(chan string, 1)
	e.bus.Subscribe(func(ev events.Event) {
		printEvent(ev)
		if ev.Type == events.EventPipelineStarted || ev.Type == events.EventPipelineResumed {
			select {
			case started <- ev.PipelineID:
			default:
			}
		}
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		pipelineID := <-started
		<-sigCh
		fmt.Fprintln(os.Stderr, "pausing... interrupt again to cancel")
		if err := e.runner.Pause(pipelineID); err != nil {
			fmt.Fprintf(os.Stderr, "pause: %v\n", err)
		}
		<-sigCh
		fmt.Fprintln(os.Stderr, "cancelling...")
		if err := e.runner.CancelPipeline(pipelineID); err != nil {
			fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		}
	}()

	st, err := runFn(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	return st
}

func finishRun(st *model.PipelineExecutionState) {
	fmt.Println()
	for _, task := range st.Tasks {
		fmt.Printf("%-10s %s\n", task.Status, task.Name)
		if task.Status == model.TaskStatusCompleted && task.Output != "" {
			fmt.Printf("  %s\n", task.Output)
		}
		if task.Error != "" {
			fmt.Printf("  error: %s\n", task.Error)
		}
	}

	switch st.Status {
	case model.PipelineStatusCompleted:
		fmt.Printf("\nPipeline %s completed.\n", st.PipelineID)
	case model.PipelineStatusPaused:
		fmt.Printf("\nPipeline %s paused. Resume it with: segue resume %s\n", st.PipelineID, st.PipelineID)
	case model.PipelineStatusFailed:
		fmt.Printf("\nPipeline %s failed.\n", st.PipelineID)
		os.Exit(1)
	case model.PipelineStatusCancelled:
		fmt.Printf("\nPipeline %s cancelled.\n", st.PipelineID)
		os.Exit(1)
	}
}

func printEvent(e events.Event) {
	switch e.Type {
	case events.EventTaskStatusChanged:
		if e.Detail != "" {
			fmt.Printf("[%s] %s: %s (%s)\n", e.PipelineID, e.StepID, e.Status, e.Detail)
		} else {
			fmt.Printf("[%s] %s: %s\n", e.PipelineID, e.StepID, e.Status)
		}
	default:
		fmt.Printf("[%s] %s\n", e.PipelineID, e.Type)
	}
}

func sendDaemon(command string, params any) *ipc.Response {
	segueDir := mustFindSegueDir()
	client := ipc.NewClient(filepath.Join(segueDir, ipc.DefaultSocketName))

	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	return resp
}

func parseParallel(args []string) int {
	for i := 0; i < len(args); i++ {
		if args[i] == "--parallel" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--parallel requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --parallel value: %s\n", args[i+1])
				os.Exit(1)
			}
			return n
		}
	}
	return 0
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func looksLikePath(s string) bool {
	if filepath.Ext(s) == ".yaml" || filepath.Ext(s) == ".yml" {
		return true
	}
	_, err := os.Stat(s)
	return err == nil
}

func mustFindSegueDir() string {
	dir := findSegueDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .segue/ directory not found. Run 'segue setup <dir>' first.")
		os.Exit(1)
	}
	return dir
}

func findSegueDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".segue")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(segueDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(segueDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `segue %s — workflow engine for the claude CLI

Usage: segue <command> [options]

Project:
  setup <dir> [--name <n>]   Initialize .segue/ directory
  workflows                  List workflows known to the daemon

Execution:
  run <workflow.yaml> [--parallel <n>]   Run a workflow in the foreground
  tasks [flags] <prompt>...              Run ad hoc prompts (--chain to share one session)
  resume <pipeline-id>                   Continue a paused pipeline
  start <name|path> [--parallel <n>]     Run a workflow via the daemon

Control:
  list [--json]              Show paused pipelines
  pause <pipeline-id>        Pause a daemon-run pipeline
  cancel <pipeline-id> [--task <id>]   Cancel a pipeline or one task
  delete <pipeline-id>       Delete a stored pipeline snapshot

Daemon:
  daemon                     Run the daemon process
  status [--json]            Show daemon status
  watch                      Stream engine events

Utilities:
  version                    Show version
  help                       Show this help

`, version)
}
