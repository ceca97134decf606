// Package executor runs one claude CLI process per task, capturing
// output asynchronously so cancellation stays observable mid-run.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/segue-sh/segue/internal/model"
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

// Request carries everything one task invocation needs.
type Request struct {
	TaskID     string
	StepID     string
	Prompt     string
	Model      string
	WorkingDir string
	// AllowAllTools passes the CLI's skip-permissions flag.
	AllowAllTools bool
	// SessionID, when set, resumes a prior conversation.
	SessionID string
}

// LookPathFunc resolves a binary name to an executable path. Injected
// so availability detection is a capability check, not global state.
type LookPathFunc func(file string) (string, error)

// Executor spawns and supervises claude CLI processes.
type Executor struct {
	binary   string
	lookPath LookPathFunc
	grace    time.Duration
	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel
}

// NewExecutor creates an Executor logging to .segue/logs/executor.log
// with rotation.
func NewExecutor(segueDir string, cfg model.ExecutorConfig, logCfg model.LoggingConfig) *Executor {
	w := &lumberjack.Logger{
		Filename:   filepath.Join(segueDir, "logs", "executor.log"),
		MaxSize:    logCfg.MaxSizeMB,
		MaxBackups: logCfg.MaxBackups,
		MaxAge:     logCfg.MaxAgeDays,
	}
	return newExecutor(cfg, logCfg.Level, w, w)
}

// newExecutor is the internal constructor that accepts an io.Writer for testing.
func newExecutor(cfg model.ExecutorConfig, logLevel string, w io.Writer, closer io.Closer) *Executor {
	grace := time.Duration(cfg.CancelGraceSec) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Executor{
		binary:   cfg.Binary,
		lookPath: exec.LookPath,
		grace:    grace,
		logger:   log.New(w, "", 0),
		logFile:  closer,
		logLevel: parseLogLevel(logLevel),
	}
}

// SetLookPath overrides binary resolution for testing.
func (e *Executor) SetLookPath(f LookPathFunc) {
	e.lookPath = f
}

// Close releases the log writer.
func (e *Executor) Close() error {
	if e.logFile != nil {
		return e.logFile.Close()
	}
	return nil
}

// Available reports whether the claude CLI can be found. A non-nil
// result is a *model.CLIUnavailableError with remediation context.
func (e *Executor) Available() error {
	if _, err := e.lookPath(e.binary); err != nil {
		return &model.CLIUnavailableError{Binary: e.binary, Err: err}
	}
	return nil
}

// claudeOutput is the JSON envelope `claude -p --output-format json` prints.
type claudeOutput struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// ExecuteTask runs one task to completion or cancellation.
//
// Outcomes:
//   - normal exit, code 0: TaskResult{Success: true}, nil error
//   - normal exit, non-zero: TaskResult{Success: false} with captured
//     streams, nil error (a run failure is data, not an engine error)
//   - binary missing: nil, *model.CLIUnavailableError
//   - ctx cancelled mid-run: nil, *model.CancelledError after the
//     process was terminated (SIGTERM, bounded grace, then SIGKILL)
func (e *Executor) ExecuteTask(ctx context.Context, req Request) (*model.TaskResult, error) {
	start := time.Now()

	path, err := e.lookPath(e.binary)
	if err != nil {
		e.log(LogLevelError, "cli_unavailable task_id=%s binary=%s error=%v", req.TaskID, e.binary, err)
		return nil, &model.CLIUnavailableError{Binary: e.binary, TaskID: req.TaskID, StepID: req.StepID, Err: err}
	}

	args := buildArgs(req)
	cmd := exec.Command(path, args...)
	cmd.Dir = req.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &model.CLIUnavailableError{Binary: e.binary, TaskID: req.TaskID, StepID: req.StepID, Err: err}
		}
		return nil, fmt.Errorf("start %s: %w", e.binary, err)
	}

	e.log(LogLevelInfo, "task_started task_id=%s step_id=%s pid=%d model=%s resume=%v",
		req.TaskID, req.StepID, cmd.Process.Pid, req.Model, req.SessionID != "")

	// Drain both streams on their own goroutines so the select below
	// stays free to observe cancellation while the process runs.
	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderr)
	}()

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case waitErr := <-waitCh:
		return e.finish(req, waitErr, &stdoutBuf, &stderrBuf, time.Since(start))
	case <-ctx.Done():
		e.terminate(req, cmd, waitCh)
		return nil, &model.CancelledError{TaskID: req.TaskID, StepID: req.StepID}
	}
}

// terminate asks the process to exit, waits out the grace period, and
// kills it if it lingers.
func (e *Executor) terminate(req Request, cmd *exec.Cmd, waitCh <-chan error) {
	e.log(LogLevelInfo, "task_terminate task_id=%s pid=%d", req.TaskID, cmd.Process.Pid)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.log(LogLevelWarn, "task_terminate_signal task_id=%s error=%v", req.TaskID, err)
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-waitCh:
	case <-timer.C:
		e.log(LogLevelWarn, "task_kill task_id=%s pid=%d grace=%s", req.TaskID, cmd.Process.Pid, e.grace)
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

func (e *Executor) finish(req Request, waitErr error, stdoutBuf, stderrBuf *bytes.Buffer, elapsed time.Duration) (*model.TaskResult, error) {
	result := &model.TaskResult{
		Output:          strings.TrimSpace(stdoutBuf.String()),
		ErrorOutput:     strings.TrimSpace(stderrBuf.String()),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}

	// The CLI wraps its answer in a JSON envelope; fall back to the raw
	// stream when the envelope is absent (older CLI, plain-text mode).
	// A session id or error flag counts as an envelope even when the
	// result text is empty.
	var parsed claudeOutput
	envelope := json.Unmarshal([]byte(result.Output), &parsed) == nil &&
		(parsed.Result != "" || parsed.SessionID != "" || parsed.IsError)
	if envelope {
		result.Output = parsed.Result
		result.SessionID = parsed.SessionID
	}

	if waitErr == nil {
		if envelope && parsed.IsError {
			// Some failures are reported in-band with exit code 0.
			result.Success = false
			if result.ErrorOutput == "" {
				result.ErrorOutput = parsed.Result
			}
			e.log(LogLevelWarn, "task_failed task_id=%s envelope_error=true duration_ms=%d",
				req.TaskID, result.ExecutionTimeMs)
			return result, nil
		}
		result.Success = true
		e.log(LogLevelInfo, "task_completed task_id=%s duration_ms=%d session=%v",
			req.TaskID, result.ExecutionTimeMs, result.SessionID != "")
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.Success = false
		e.log(LogLevelWarn, "task_failed task_id=%s exit_code=%d duration_ms=%d",
			req.TaskID, exitErr.ExitCode(), result.ExecutionTimeMs)
		return result, nil
	}

	return nil, fmt.Errorf("wait for %s: %w", e.binary, waitErr)
}

func buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.Model != "" && req.Model != "auto" {
		args = append(args, "--model", req.Model)
	}
	if req.AllowAllTools {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

func (e *Executor) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
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
	e.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
