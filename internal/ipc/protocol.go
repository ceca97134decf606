// Package ipc implements Unix domain socket IPC between the segue CLI
// and daemon. Frames are length-prefixed JSON; the watch command keeps
// the connection open and streams event frames.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// DefaultSocketName is the conventional socket filename inside .segue/.
const DefaultSocketName = "daemon.sock"

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeParse            = "PARSE_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNotActive        = "NOT_ACTIVE"
	ErrCodeCLIUnavailable   = "CLI_UNAVAILABLE"
	ErrCodeCancelled        = "CANCELLED"
)

// Commands understood by the daemon.
const (
	CmdPing           = "ping"
	CmdStatus         = "status"
	CmdRunWorkflow    = "run_workflow"
	CmdRunTasks       = "run_tasks"
	CmdPausePipeline  = "pause_pipeline"
	CmdResumePipeline = "resume_pipeline"
	CmdCancelTask     = "cancel_task"
	CmdCancelPipeline = "cancel_pipeline"
	CmdDeleteState    = "delete_state"
	CmdListResumable  = "list_resumable"
	CmdListWorkflows  = "list_workflows"
	CmdWatch          = "watch"
	CmdShutdown       = "shutdown"
)

// RunWorkflowParams starts a catalog workflow by name, or an arbitrary
// document by path when Path is set.
type RunWorkflowParams struct {
	Name     string `json:"name,omitempty"`
	Path     string `json:"path,omitempty"`
	Parallel int    `json:"parallel,omitempty"`
}

// RunTasksParams starts an ad hoc pipeline, one task per prompt.
type RunTasksParams struct {
	Prompts  []string `json:"prompts"`
	Model    string   `json:"model,omitempty"`
	Chain    bool     `json:"chain,omitempty"`
	Parallel int      `json:"parallel,omitempty"`
}

// PipelineParams addresses one pipeline by id.
type PipelineParams struct {
	PipelineID string `json:"pipeline_id"`
}

// CancelTaskParams cancels one running task; an empty TaskID cancels
// every running task of the pipeline.
type CancelTaskParams struct {
	PipelineID string `json:"pipeline_id"`
	TaskID     string `json:"task_id,omitempty"`
}

// RunStartedData is the response payload of run_workflow and run_tasks:
// the pipeline was accepted and runs asynchronously in the daemon.
type RunStartedData struct {
	PipelineID string `json:"pipeline_id"`
	TaskCount  int    `json:"task_count"`
}

// StatusData summarizes the daemon for the status command.
type StatusData struct {
	PID             int      `json:"pid"`
	UptimeSec       int64    `json:"uptime_sec"`
	ActivePipelines []string `json:"active_pipelines"`
	Workflows       []string `json:"workflows"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	// Use io.Copy to guarantee all bytes are written (handles short writes)
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > 10*1024*1024 { // 10MB safety limit
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
