// Package agentsvc installs berth as a login agent so the workspace
// server comes up with the user's session: a systemd user unit on
// Linux, a launchd LaunchAgent on macOS.
package agentsvc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ServiceConfig is everything the rendered service definition needs.
type ServiceConfig struct {
	// Executable is the absolute path to the berth binary the agent runs.
	Executable string
	// LogPath receives the agent's stdout/stderr on platforms without a
	// journal. Empty picks a per-user default.
	LogPath string
}

// Status reports whether the agent is installed and currently loaded.
type Status struct {
	Installed bool
	Running   bool
}

// Manager drives the platform's service system.
type Manager interface {
	Install(ctx context.Context, cfg ServiceConfig) error
	Uninstall(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// NewManager returns the manager for the current platform.
func NewManager() Manager {
	return newPlatformManager()
}

// ResolveExecutable finds the berth binary the service should invoke:
// PATH first, then the conventional install location, then the running
// executable itself.
func ResolveExecutable() (string, error) {
	if path, err := exec.LookPath("berth"); err == nil {
		return path, nil
	}
	const defaultInstalled = "/usr/local/bin/berth"
	if st, err := os.Stat(defaultInstalled); err == nil && !st.IsDir() {
		return defaultInstalled, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(exe) == "" {
		return "", fmt.Errorf("empty executable path")
	}
	if isGoRunExecutablePath(exe) {
		return "", fmt.Errorf("berth not found in PATH and the current executable is a temporary go run binary (%s); install berth and retry", exe)
	}
	return exe, nil
}

func isGoRunExecutablePath(path string) bool {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return false
	}
	return strings.Contains(filepath.Clean(trimmed), string(filepath.Separator)+"go-build")
}
