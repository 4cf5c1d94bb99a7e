package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfig names the environment variable that points at a config file.
const EnvConfig = "TRAINYARD_CONFIG"

// Discover finds the config file by checking standard locations.
// Priority order: $TRAINYARD_CONFIG, ~/.config/trainyard/config.yaml, ./trainyard.yaml.
func Discover() (string, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfig, path, err)
		}
		return path, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "trainyard", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	if fileExists("trainyard.yaml") {
		return "trainyard.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/trainyard/config.yaml, ./trainyard.yaml)", EnvConfig)
}

// LoadOrDefault loads path, or the discovered config when path is empty.
// With nothing to discover it returns Defaults().
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		found, err := Discover()
		if err != nil {
			if os.Getenv(EnvConfig) != "" {
				return nil, err
			}
			cfg := Defaults()
			return cfg, validate(cfg)
		}
		path = found
	}
	return Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
