package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segue-sh/segue/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func sampleState(id string) *model.PipelineExecutionState {
	return &model.PipelineExecutionState{
		PipelineID: id,
		Name:       "release notes",
		WorkingDir: "/tmp/project",
		Status:     model.PipelineStatusRunning,
		Tasks: []model.TaskItem{
			{ID: "task_a", StepID: "init", Name: "init", Prompt: "summarize",
				Status: model.TaskStatusCompleted, SessionID: "sess-1", OutputSession: true},
			{ID: "task_b", StepID: "draft", Name: "draft", Prompt: "draft notes",
				Status: model.TaskStatusPending, ResumeFromTaskID: "task_a"},
		},
		CurrentIndex: 1,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	original := sampleState("pipe_0000000001_aabbccdd")
	if err := s.Save(original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if original.CreatedAt == "" || original.UpdatedAt == "" {
		t.Error("Save must stamp created_at/updated_at")
	}

	loaded, err := s.Load(original.PipelineID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.PipelineID != original.PipelineID {
		t.Errorf("PipelineID = %q, want %q", loaded.PipelineID, original.PipelineID)
	}
	if loaded.CurrentIndex != 1 {
		t.Errorf("CurrentIndex = %d, want 1", loaded.CurrentIndex)
	}
	if len(loaded.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(loaded.Tasks))
	}
	if loaded.Tasks[0].SessionID != "sess-1" {
		t.Errorf("session id lost: %q", loaded.Tasks[0].SessionID)
	}
	if loaded.Tasks[1].ResumeFromTaskID != "task_a" {
		t.Errorf("resume reference lost: %q", loaded.Tasks[1].ResumeFromTaskID)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("pipe_0000000001_deadbeef")
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("error = %v, want ErrStateNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("pipe_0000000002_aabbccdd")
	if err := s.Save(st); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Delete(st.PipelineID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(st.PipelineID); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Load after delete = %v, want ErrStateNotFound", err)
	}
	if err := s.Delete(st.PipelineID); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("second Delete = %v, want ErrStateNotFound", err)
	}
}

func TestStore_ListReturnsOnlyPaused(t *testing.T) {
	s := newTestStore(t)

	running := sampleState("pipe_0000000003_00000001")
	if err := s.Save(running); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pausedOld := sampleState("pipe_0000000004_00000002")
	pausedOld.Paused = true
	pausedOld.Status = model.PipelineStatusPaused
	pausedOld.PausedAt = "2026-08-01T10:00:00Z"
	if err := s.Save(pausedOld); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pausedNew := sampleState("pipe_0000000005_00000003")
	pausedNew.Paused = true
	pausedNew.Status = model.PipelineStatusPaused
	pausedNew.PausedAt = "2026-08-02T10:00:00Z"
	if err := s.Save(pausedNew); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].ID != pausedOld.PipelineID || list[1].ID != pausedNew.PipelineID {
		t.Errorf("list order = [%s %s], want oldest pause first", list[0].ID, list[1].ID)
	}
	if list[0].PausedAt != "2026-08-01T10:00:00Z" {
		t.Errorf("PausedAt = %q", list[0].PausedAt)
	}
}

func TestStore_ListEmptyDir(t *testing.T) {
	s := newTestStore(t)
	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("len(list) = %d, want 0", len(list))
	}
}

func TestStore_LoadRecoversFromBackup(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("pipe_0000000006_aabbccdd")
	st.Paused = true
	st.PausedAt = "2026-08-01T10:00:00Z"

	if err := s.Save(st); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	// Second save creates the .bak the recovery path needs.
	if err := s.Save(st); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	path := filepath.Join(s.dir, st.PipelineID+".yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0644); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}

	loaded, err := s.Load(st.PipelineID)
	if err != nil {
		t.Fatalf("Load with recovery failed: %v", err)
	}
	if loaded.PipelineID != st.PipelineID {
		t.Errorf("recovered PipelineID = %q, want %q", loaded.PipelineID, st.PipelineID)
	}
}
