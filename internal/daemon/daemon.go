// Package daemon runs segue as a long-lived process: it serves IPC
// commands over a Unix socket, keeps the workflow catalog in sync with
// the filesystem, and pauses active pipelines on shutdown so they
// survive the restart.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/segue-sh/segue/internal/events"
	"github.com/segue-sh/segue/internal/executor"
	"github.com/segue-sh/segue/internal/ipc"
	"github.com/segue-sh/segue/internal/lock"
	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/pipeline"
	"github.com/segue-sh/segue/internal/state"
)

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

// Daemon is the main segue daemon process.
type Daemon struct {
	segueDir   string
	projectDir string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *ipc.Server
	watcher  *fsnotify.Watcher

	catalog *Catalog
	store   *state.Store
	bus     *events.Bus
	exec    *executor.Executor
	runner  *pipeline.Runner

	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon logging to .segue/logs/daemon.log with rotation.
func New(segueDir string, cfg model.Config) *Daemon {
	w := &lumberjack.Logger{
		Filename:   filepath.Join(segueDir, "logs", "daemon.log"),
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	}
	return newDaemon(segueDir, cfg, w, w)
}

// newDaemon is the internal constructor that accepts an io.Writer for testing.
func newDaemon(segueDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	store := state.NewStore(segueDir)
	bus := events.NewBus(256)
	exec := executor.NewExecutor(segueDir, cfg.Executor, cfg.Logging)

	return &Daemon{
		segueDir:   segueDir,
		projectDir: filepath.Dir(segueDir),
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(segueDir, "locks", "daemon.lock")),
		server:     ipc.NewServer(filepath.Join(segueDir, ipc.DefaultSocketName)),
		catalog:    NewCatalog(filepath.Join(segueDir, "workflows")),
		store:      store,
		bus:        bus,
		exec:       exec,
		runner:     pipeline.NewRunner(segueDir, cfg, exec, store, bus),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.segueDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	if err := d.exec.Available(); err != nil {
		// Not fatal: the CLI may appear later, tasks fail individually
		// until it does.
		d.log(LogLevelWarn, "startup check: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	workflowsDir := filepath.Join(d.segueDir, "workflows")
	if err := os.MkdirAll(workflowsDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", workflowsDir, err)
	}
	if err := watcher.Add(workflowsDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", workflowsDir, err)
	}

	if err := d.catalog.Reload(); err != nil {
		d.log(LogLevelWarn, "initial catalog load: %v", err)
	}
	for file, msg := range d.catalog.Errors() {
		d.log(LogLevelWarn, "workflow rejected file=%s error=%s", file, msg)
	}

	d.registerHandlers()

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start IPC server: %w", err)
	}
	d.log(LogLevelInfo, "IPC server listening on %s", filepath.Join(d.segueDir, ipc.DefaultSocketName))

	d.wg.Add(1)
	go d.fsnotifyLoop()

	d.log(LogLevelInfo, "daemon ready workflows=%d", len(d.catalog.Names()))

	d.waitSignals()
	return nil
}

// fsnotifyLoop coalesces bursts of workflow file events into a single
// debounced catalog reload.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.config.Daemon.DebounceSec * float64(time.Second))
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				timer.Reset(debounce)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		case <-timer.C:
			if err := d.catalog.Reload(); err != nil {
				d.log(LogLevelError, "catalog reload: %v", err)
				continue
			}
			d.log(LogLevelInfo, "catalog reloaded workflows=%d", len(d.catalog.Names()))
			for file, msg := range d.catalog.Errors() {
				d.log(LogLevelWarn, "workflow rejected file=%s error=%s", file, msg)
			}
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
// Active pipelines are paused so their snapshots survive the restart.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		if paused := d.runner.PauseAll(); len(paused) > 0 {
			d.log(LogLevelInfo, "pausing active pipelines count=%d", len(paused))
		}

		deadline := time.Now().Add(30 * time.Second)
		for len(d.runner.Active()) > 0 && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if remaining := d.runner.Active(); len(remaining) > 0 {
			d.log(LogLevelWarn, "shutdown timeout with %d pipelines still active", len(remaining))
		}

		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(5 * time.Second):
			d.log(LogLevelWarn, "goroutine drain timeout")
		}

		d.bus.Close()
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.segueDir, ipc.DefaultSocketName))
	d.fileLock.Unlock()
	_ = d.exec.Close()
	_ = d.runner.Close()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
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
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
