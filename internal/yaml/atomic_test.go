package yaml

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	data := map[string]any{"key": "value", "count": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	var bakData map[string]string
	if err := yamlv3.Unmarshal(bakContent, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}
}

func TestAtomicWrite_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	if err := AtomicWrite(path, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "test.yaml" {
			t.Errorf("unexpected leftover file: %s", e.Name())
		}
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	valid := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      FileTypePipelineState,
	}
	if err := AtomicWrite(path, valid); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if err := ValidateSchemaHeader(path, FileTypePipelineState); err != nil {
		t.Errorf("ValidateSchemaHeader failed on valid file: %v", err)
	}
	if err := ValidateSchemaHeader(path, FileTypeConfig); err == nil {
		t.Error("expected file_type mismatch error")
	}
}

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "schema_version: 1\nfile_type: pipeline_state\n", false},
		{"missing file_type", "schema_version: 1\n", true},
		{"unknown file_type", "schema_version: 1\nfile_type: mystery\n", true},
		{"zero version", "schema_version: 0\nfile_type: pipeline_state\n", true},
		{"future version", "schema_version: 99\nfile_type: pipeline_state\n", true},
		{"not yaml", "{{{{", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), "")
			if (err != nil) != tt.wantErr {
				t.Errorf("got error %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecoverCorruptedFile(t *testing.T) {
	segueDir := t.TempDir()
	path := filepath.Join(segueDir, "state.yaml")

	if err := AtomicWrite(path, map[string]string{"generation": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"generation": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	// Corrupt the live file; the .bak from the second write holds generation 1.
	if err := os.WriteFile(path, []byte("{{corrupt"), 0644); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}

	if err := RecoverCorruptedFile(segueDir, path); err != nil {
		t.Fatalf("RecoverCorruptedFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var data map[string]string
	if err := yamlv3.Unmarshal(content, &data); err != nil {
		t.Fatalf("restored file is not valid yaml: %v", err)
	}
	if data["generation"] != "1" {
		t.Errorf("restored generation = %q, want %q", data["generation"], "1")
	}

	entries, err := os.ReadDir(filepath.Join(segueDir, "quarantine"))
	if err != nil {
		t.Fatalf("quarantine dir missing: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("quarantine entries = %d, want 1", len(entries))
	}
}
