package setup

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/workflow"
)

func TestRun_CreatesStructure(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	base := filepath.Join(dir, ".segue")
	for _, sub := range []string{"workflows", "pipelines", "locks", "logs", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s: %v", sub, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	if cfg.Project.Name != filepath.Base(dir) {
		t.Errorf("project name = %q, want %q", cfg.Project.Name, filepath.Base(dir))
	}
	if cfg.Executor.Binary != "claude" {
		t.Errorf("executor binary = %q, want claude", cfg.Executor.Binary)
	}

	// The example workflow must itself pass validation.
	if _, err := workflow.ParseFile(filepath.Join(base, "workflows", "example.yaml")); err != nil {
		t.Errorf("example workflow invalid: %v", err)
	}
}

func TestRun_NameOverride(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, "my project"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".segue", "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	if cfg.Project.Name != "my project" {
		t.Errorf("project name = %q, want %q", cfg.Project.Name, "my project")
	}
}

func TestRun_RefusesExisting(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, ""); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if err := Run(dir, ""); err == nil {
		t.Fatal("second Run must refuse an existing .segue/")
	}
}
