package daemon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segue-sh/segue/internal/events"
	"github.com/segue-sh/segue/internal/ipc"
	"github.com/segue-sh/segue/internal/model"
)

// newTestDaemon builds a daemon with its IPC server running but without
// signal handling or the fsnotify loop. The claude binary is a shell
// script that answers with a fixed JSON envelope.
func newTestDaemon(t *testing.T) (*Daemon, *ipc.Client) {
	t.Helper()

	// Use /tmp directly to avoid macOS Unix socket path length limit (104 bytes)
	root, err := os.MkdirTemp("/tmp", "segue-daemon-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	segueDir := filepath.Join(root, ".segue")
	require.NoError(t, os.MkdirAll(filepath.Join(segueDir, "workflows"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(segueDir, "locks"), 0755))

	fakeCLI := filepath.Join(root, "claude")
	script := "#!/bin/sh\nprintf '{\"result\":\"done\",\"session_id\":\"sess-1\"}'\n"
	require.NoError(t, os.WriteFile(fakeCLI, []byte(script), 0755))

	cfg := model.Config{}
	cfg.ApplyDefaults()
	cfg.Executor.Binary = fakeCLI
	cfg.Logging.Level = "error"

	d := newDaemon(segueDir, cfg, io.Discard, nil)
	d.startedAt = time.Now()
	require.NoError(t, d.catalog.Reload())
	d.registerHandlers()
	require.NoError(t, d.server.Start())
	t.Cleanup(func() {
		d.cancel()
		d.server.Stop()
		d.bus.Close()
	})

	client := ipc.NewClient(filepath.Join(segueDir, ipc.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	return d, client
}

func TestDaemon_PingAndStatus(t *testing.T) {
	_, client := newTestDaemon(t)

	resp, err := client.SendCommand(ipc.CmdPing, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand(ipc.CmdStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var status ipc.StatusData
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Empty(t, status.ActivePipelines)
}

func TestDaemon_RunTasksToCompletion(t *testing.T) {
	d, client := newTestDaemon(t)

	completed := make(chan string, 1)
	d.bus.Subscribe(func(e events.Event) {
		if e.Type == events.EventPipelineCompleted {
			select {
			case completed <- e.PipelineID:
			default:
			}
		}
	})

	resp, err := client.SendCommand(ipc.CmdRunTasks, ipc.RunTasksParams{Prompts: []string{"say hello"}})
	require.NoError(t, err)
	require.True(t, resp.Success, "error: %+v", resp.Error)

	var started ipc.RunStartedData
	require.NoError(t, json.Unmarshal(resp.Data, &started))
	assert.NotEmpty(t, started.PipelineID)
	assert.Equal(t, 1, started.TaskCount)

	select {
	case id := <-completed:
		assert.Equal(t, started.PipelineID, id)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline never completed")
	}
}

func TestDaemon_RunWorkflowByName(t *testing.T) {
	d, client := newTestDaemon(t)

	writeWorkflow(t, filepath.Join(d.segueDir, "workflows"), "hello.yaml", "hello world")
	require.NoError(t, d.catalog.Reload())

	resp, err := client.SendCommand(ipc.CmdRunWorkflow, ipc.RunWorkflowParams{Name: "hello world"})
	require.NoError(t, err)
	require.True(t, resp.Success, "error: %+v", resp.Error)
}

func TestDaemon_RunWorkflowErrors(t *testing.T) {
	_, client := newTestDaemon(t)

	resp, err := client.SendCommand(ipc.CmdRunWorkflow, ipc.RunWorkflowParams{})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeValidation, resp.Error.Code)

	resp, err = client.SendCommand(ipc.CmdRunWorkflow, ipc.RunWorkflowParams{Name: "missing"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeNotFound, resp.Error.Code)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{{nope"), 0644))
	resp, err = client.SendCommand(ipc.CmdRunWorkflow, ipc.RunWorkflowParams{Path: bad})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeParse, resp.Error.Code)
}

func TestDaemon_PipelineCommandErrors(t *testing.T) {
	_, client := newTestDaemon(t)

	resp, err := client.SendCommand(ipc.CmdPausePipeline, ipc.PipelineParams{PipelineID: "pipe_0000000001_aabbccdd"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeNotActive, resp.Error.Code)

	resp, err = client.SendCommand(ipc.CmdDeleteState, ipc.PipelineParams{PipelineID: "pipe_0000000001_aabbccdd"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeNotFound, resp.Error.Code)

	resp, err = client.SendCommand(ipc.CmdResumePipeline, ipc.PipelineParams{PipelineID: "pipe_0000000001_aabbccdd"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeNotFound, resp.Error.Code)

	resp, err = client.SendCommand(ipc.CmdPausePipeline, ipc.PipelineParams{})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeValidation, resp.Error.Code)
}

func TestDaemon_WatchStreamsEvents(t *testing.T) {
	_, client := newTestDaemon(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan events.Event, 64)
	go func() {
		_ = client.Stream(ctx, ipc.CmdWatch, nil, func(data json.RawMessage) error {
			var e events.Event
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			received <- e
			return nil
		})
	}()

	// Give the watch subscription a moment to attach before running.
	time.Sleep(100 * time.Millisecond)

	resp, err := client.SendCommand(ipc.CmdRunTasks, ipc.RunTasksParams{Prompts: []string{"hi"}})
	require.NoError(t, err)
	require.True(t, resp.Success)

	deadline := time.After(10 * time.Second)
	var seen []events.EventType
	for {
		select {
		case e := <-received:
			seen = append(seen, e.Type)
			if e.Type == events.EventPipelineCompleted {
				assert.Contains(t, seen, events.EventPipelineStarted)
				assert.Contains(t, seen, events.EventTaskStatusChanged)
				return
			}
		case <-deadline:
			t.Fatalf("completion event never arrived, saw %v", seen)
		}
	}
}

func TestDaemon_ListWorkflows(t *testing.T) {
	d, client := newTestDaemon(t)
	writeWorkflow(t, filepath.Join(d.segueDir, "workflows"), "one.yaml", "one")
	require.NoError(t, d.catalog.Reload())

	resp, err := client.SendCommand(ipc.CmdListWorkflows, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data struct {
		Workflows []string          `json:"workflows"`
		Errors    map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, []string{"one"}, data.Workflows)
}

func TestDaemon_ListResumableEmpty(t *testing.T) {
	_, client := newTestDaemon(t)

	resp, err := client.SendCommand(ipc.CmdListResumable, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var list []model.ResumableSummary
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Empty(t, list)
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	d, _ := newTestDaemon(t)

	require.NoError(t, d.fileLock.TryLock())
	t.Cleanup(func() { d.fileLock.Unlock() })

	other := newDaemon(d.segueDir, d.config, io.Discard, nil)
	t.Cleanup(other.cancel)
	assert.Error(t, other.fileLock.TryLock(), "the daemon lock is exclusive")
}
