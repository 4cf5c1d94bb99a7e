package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, layering it and any included files
// over Defaults(). A directory argument loads config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := Defaults()
	visited := map[string]bool{}
	if err := loadInto(cfg, absPath, visited); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadInto decodes path over cfg and then follows its include list.
// Later files win for every key they set.
func loadInto(cfg *Config, path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("circular include detected: %s", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Include = nil
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	cfg.SourceFiles = append(cfg.SourceFiles, path)

	includes := cfg.Include
	baseDir := filepath.Dir(path)
	for i, inc := range includes {
		resolved := inc
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		if _, err := os.Stat(resolved); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, resolved, path)
		}
		if err := loadInto(cfg, filepath.Clean(resolved), visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, inc, err)
		}
	}
	cfg.Include = includes
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Queue.ClaimTTL <= 0 {
		return fmt.Errorf("queue.claim_ttl must be positive")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if cfg.Queue.MaxStackDepth < 1 {
		return fmt.Errorf("queue.max_stack_depth must be at least 1")
	}
	if cfg.Queue.Retention < 0 {
		return fmt.Errorf("queue.retention must not be negative")
	}
	if cfg.Queue.ThrashLimit < 0 {
		return fmt.Errorf("queue.thrash_limit must not be negative")
	}
	if strings.TrimSpace(cfg.Queue.Target) == "" {
		return fmt.Errorf("queue.target is required")
	}

	if cfg.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("locks.default_ttl must be positive")
	}

	if cfg.BuildLock.Dir == "" {
		return fmt.Errorf("build_lock.dir is required")
	}
	if cfg.BuildLock.Timeout <= 0 {
		return fmt.Errorf("build_lock.timeout must be positive")
	}
	if cfg.BuildLock.PollInterval <= 0 || cfg.BuildLock.PollInterval >= cfg.BuildLock.Timeout {
		return fmt.Errorf("build_lock.poll_interval must be positive and less than build_lock.timeout")
	}
	if err := unresolved("build_lock.test_command", cfg.BuildLock.TestCommand); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Worker.Agent) == "" {
		return fmt.Errorf("worker.agent is required")
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if cfg.Worker.TestTimeout <= 0 {
		return fmt.Errorf("worker.test_timeout must be positive")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	for _, f := range []struct{ field, value string }{
		{"state.path", cfg.State.Path},
		{"build_lock.dir", cfg.BuildLock.Dir},
		{"vcs.repo", cfg.VCS.Repo},
		{"vcs.workspaces_dir", cfg.VCS.WorkspacesDir},
		{"worker.agent", cfg.Worker.Agent},
	} {
		if err := unresolved(f.field, f.value); err != nil {
			return err
		}
	}
	return nil
}
