// Package state persists pipeline execution snapshots so paused or
// interrupted runs survive process restarts.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/segue-sh/segue/internal/lock"
	"github.com/segue-sh/segue/internal/model"
	atomicyaml "github.com/segue-sh/segue/internal/yaml"
)

// ErrStateNotFound is returned when no snapshot exists for a pipeline
// id. Callers use errors.Is to distinguish it from read failures.
var ErrStateNotFound = errors.New("pipeline state not found")

// Store keeps one YAML snapshot per execution under
// <segueDir>/pipelines/. All writes are atomic and serialized per
// pipeline id.
type Store struct {
	segueDir string
	dir      string
	locks    *lock.MutexMap
}

func NewStore(segueDir string) *Store {
	return &Store{
		segueDir: segueDir,
		dir:      filepath.Join(segueDir, "pipelines"),
		locks:    lock.NewMutexMap(),
	}
}

func (s *Store) path(pipelineID string) string {
	return filepath.Join(s.dir, pipelineID+".yaml")
}

// Save writes a snapshot. The stored file always carries the schema
// header and fresh UpdatedAt; CreatedAt is set on first save.
func (s *Store) Save(st *model.PipelineExecutionState) error {
	if st.PipelineID == "" {
		return fmt.Errorf("save pipeline state: empty pipeline id")
	}

	s.locks.Lock(st.PipelineID)
	defer s.locks.Unlock(st.PipelineID)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create pipelines dir: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	st.SchemaVersion = atomicyaml.CurrentSchemaVersion
	st.FileType = atomicyaml.FileTypePipelineState
	if st.CreatedAt == "" {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	if err := atomicyaml.AtomicWrite(s.path(st.PipelineID), st); err != nil {
		return fmt.Errorf("write snapshot %s: %w", st.PipelineID, err)
	}
	return nil
}

// Load reads a snapshot. A corrupted file is quarantined and restored
// from backup once before giving up.
func (s *Store) Load(pipelineID string) (*model.PipelineExecutionState, error) {
	s.locks.Lock(pipelineID)
	defer s.locks.Unlock(pipelineID)
	return s.load(pipelineID, true)
}

func (s *Store) load(pipelineID string, allowRecovery bool) (*model.PipelineExecutionState, error) {
	path := s.path(pipelineID)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, pipelineID)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", pipelineID, err)
	}

	st, err := decode(content)
	if err == nil {
		return st, nil
	}
	if !allowRecovery {
		return nil, fmt.Errorf("decode snapshot %s: %w", pipelineID, err)
	}

	if recErr := atomicyaml.RecoverCorruptedFile(s.segueDir, path); recErr != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w (recovery also failed: %v)", pipelineID, err, recErr)
	}
	return s.load(pipelineID, false)
}

func decode(content []byte) (*model.PipelineExecutionState, error) {
	if err := atomicyaml.ValidateSchemaHeaderFromBytes(content, atomicyaml.FileTypePipelineState); err != nil {
		return nil, err
	}
	var st model.PipelineExecutionState
	if err := yamlv3.Unmarshal(content, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Delete irreversibly removes a snapshot and its backup.
func (s *Store) Delete(pipelineID string) error {
	s.locks.Lock(pipelineID)
	defer s.locks.Unlock(pipelineID)

	path := s.path(pipelineID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrStateNotFound, pipelineID)
		}
		return fmt.Errorf("delete snapshot %s: %w", pipelineID, err)
	}
	_ = os.Remove(path + ".bak")
	return nil
}

// List returns all resumable (paused) snapshots, oldest pause first.
// Unreadable files are skipped rather than failing the whole listing.
func (s *Store) List() ([]model.ResumableSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}

	var out []model.ResumableSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		pipelineID := strings.TrimSuffix(name, ".yaml")

		s.locks.Lock(pipelineID)
		st, err := s.load(pipelineID, false)
		s.locks.Unlock(pipelineID)
		if err != nil || !st.Paused {
			continue
		}

		out = append(out, model.ResumableSummary{
			ID:       st.PipelineID,
			Name:     st.Name,
			PausedAt: st.PausedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PausedAt < out[j].PausedAt })
	return out, nil
}
