package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Executor ExecutorConfig `yaml:"executor"`
	Runner   RunnerConfig   `yaml:"runner"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ExecutorConfig struct {
	// Binary is the claude CLI command name or path.
	Binary       string `yaml:"binary"`
	DefaultModel string `yaml:"default_model"`
	// CancelGraceSec bounds how long a cancelled task may take to exit
	// after SIGTERM before it is killed.
	CancelGraceSec int `yaml:"cancel_grace_sec"`
}

type RunnerConfig struct {
	// ParallelTasksCount bounds how many independent tasks may run
	// concurrently. 1 means strictly sequential.
	ParallelTasksCount int `yaml:"parallel_tasks_count"`
	// CheckShell runs condition check commands (`<shell> -c <cmd>`).
	CheckShell string `yaml:"check_shell"`
}

type DaemonConfig struct {
	// DebounceSec coalesces bursts of workflow file events before the
	// catalog reloads.
	DebounceSec float64 `yaml:"debounce_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Rotation settings for .segue/logs/ files.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Executor.Binary == "" {
		c.Executor.Binary = "claude"
	}
	if c.Executor.DefaultModel == "" {
		c.Executor.DefaultModel = "auto"
	}
	if c.Executor.CancelGraceSec <= 0 {
		c.Executor.CancelGraceSec = 5
	}
	if c.Runner.ParallelTasksCount <= 0 {
		c.Runner.ParallelTasksCount = 1
	}
	if c.Runner.CheckShell == "" {
		c.Runner.CheckShell = "sh"
	}
	if c.Daemon.DebounceSec <= 0 {
		c.Daemon.DebounceSec = 0.5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 14
	}
}
