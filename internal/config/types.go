package config

import (
	"path/filepath"
	"time"
)

// Config represents the complete trainyard configuration.
type Config struct {
	Include   []string        `yaml:"include,omitempty"`
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Queue     QueueConfig     `yaml:"queue"`
	Locks     LocksConfig     `yaml:"locks"`
	BuildLock BuildLockConfig `yaml:"build_lock"`
	Worker    WorkerConfig    `yaml:"worker"`
	API       APIConfig       `yaml:"api,omitempty"`
	VCS       VCSConfig       `yaml:"vcs"`

	// SourceFiles lists every file that contributed to this config, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig defines merge queue behaviour.
type QueueConfig struct {
	ClaimTTL      time.Duration `yaml:"claim_ttl"`
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxStackDepth int           `yaml:"max_stack_depth"`
	// Retention is how long terminal entries are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
	Target    string        `yaml:"target"`
	// ThrashLimit fails an entry terminally once it has been rebased more
	// than this many times. Zero disables the check.
	ThrashLimit int `yaml:"thrash_limit"`
}

// LocksConfig defines named resource lock settings.
type LocksConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// BuildLockConfig defines the machine-wide build/test lock.
type BuildLockConfig struct {
	Dir          string        `yaml:"dir"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TestCommand  string        `yaml:"test_command"`
}

// WorkerConfig defines the merge worker.
type WorkerConfig struct {
	Agent        string        `yaml:"agent"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TestTimeout  time.Duration `yaml:"test_timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// VCSConfig points at the jj repository and its workspaces.
type VCSConfig struct {
	Binary string `yaml:"binary"`
	Repo   string `yaml:"repo"`
	// WorkspacesDir holds one checkout per workspace, named after it.
	// Defaults to Repo.
	WorkspacesDir string `yaml:"workspaces_dir"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "trainyard",
			TickInterval: 30 * time.Second,
			LogLevel:     "info",
			LogFormat:    "json",
		},
		State: StateConfig{
			Path: "./data/trainyard.db",
		},
		Queue: QueueConfig{
			ClaimTTL:      30 * time.Minute,
			MaxAttempts:   3,
			MaxStackDepth: 10,
			Retention:     7 * 24 * time.Hour,
			Target:        "main",
			ThrashLimit:   5,
		},
		Locks: LocksConfig{
			DefaultTTL: 10 * time.Minute,
		},
		BuildLock: BuildLockConfig{
			Dir:          "./data/locks",
			Timeout:      30 * time.Minute,
			PollInterval: 2 * time.Second,
			TestCommand:  "go test ./...",
		},
		Worker: WorkerConfig{
			Agent:        "trainyard-worker",
			PollInterval: 15 * time.Second,
			TestTimeout:  20 * time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8095",
		},
		VCS: VCSConfig{
			Binary: "jj",
			Repo:   ".",
		},
	}
}

// WorkspaceDir returns the checkout directory for a workspace.
func (c *Config) WorkspaceDir(workspace string) string {
	dir := c.VCS.WorkspacesDir
	if dir == "" {
		dir = c.VCS.Repo
	}
	return filepath.Join(dir, workspace)
}
