package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/segue-sh/segue/internal/model"
	"github.com/segue-sh/segue/internal/workflow"
)

// Catalog is the daemon's view of .segue/workflows/. It is rebuilt on
// file change; concurrent reload requests collapse into one scan.
type Catalog struct {
	dir   string
	group singleflight.Group

	mu     sync.RWMutex
	byName map[string]*model.Workflow
	errors map[string]string
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:    dir,
		byName: make(map[string]*model.Workflow),
		errors: make(map[string]string),
	}
}

// Reload rescans the workflows directory. Documents that fail to parse
// or validate are recorded and skipped; they never take the catalog
// down. Bursts of concurrent reloads share a single scan.
func (c *Catalog) Reload() error {
	_, err, _ := c.group.Do("reload", func() (any, error) {
		return nil, c.reload()
	})
	return err
}

func (c *Catalog) reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.byName = make(map[string]*model.Workflow)
			c.errors = make(map[string]string)
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read workflows dir: %w", err)
	}

	byName := make(map[string]*model.Workflow)
	errs := make(map[string]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isWorkflowFile(name) {
			continue
		}

		path := filepath.Join(c.dir, name)
		wf, err := workflow.ParseFile(path)
		if err != nil {
			errs[name] = err.Error()
			continue
		}

		key := wf.Name
		if key == "" {
			key = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if _, dup := byName[key]; dup {
			errs[name] = fmt.Sprintf("duplicate workflow name %q", key)
			continue
		}
		byName[key] = wf
	}

	c.mu.Lock()
	c.byName = byName
	c.errors = errs
	c.mu.Unlock()
	return nil
}

func isWorkflowFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Get returns a workflow by name.
func (c *Catalog) Get(name string) (*model.Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.byName[name]
	return wf, ok
}

// Names returns the catalog's workflow names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Errors returns per-file parse and validation failures from the last
// reload, keyed by filename.
func (c *Catalog) Errors() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}
