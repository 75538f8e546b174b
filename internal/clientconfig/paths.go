package clientconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirEnv overrides the default state directory
const StateDirEnv = "TODOSYNC_HOME"

// StateDir returns the client state directory.
// Defaults to ~/.todosync but can be overridden with TODOSYNC_HOME.
func StateDir() (string, error) {
	if envDir := os.Getenv(StateDirEnv); envDir != "" {
		return envDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".todosync"), nil
}

// ConfigPath returns the path to the config file
func ConfigPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LogPath returns the path to the CLI log file
func LogPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs", "todosync.log"), nil
}
