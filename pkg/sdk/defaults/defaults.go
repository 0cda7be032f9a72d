// Package defaults resolves per-OS filesystem locations and well-known
// names shared by the CLI and the SDK layers.
package defaults

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// LocalHost is the profile name used when no remote host is configured.
	LocalHost = "local"

	// EngineSocketPath is the engine's UNIX socket, both locally and on
	// remote hosts (the tunnel forwards to this path).
	EngineSocketPath = "/var/run/docker.sock"

	darwinDataDir = "Library/Application Support/berth"
	linuxDataDir  = "berth"
)

// DataRoot returns the per-user state directory. Host profiles keep their
// provenance, lock, and journal files under DataRoot()/hosts/<name>.
func DataRoot() string {
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("/var/lib", linuxDataDir)
		}
		return filepath.Join(home, darwinDataDir)
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, linuxDataDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/var/lib", linuxDataDir)
	}
	return filepath.Join(home, ".local", "share", linuxDataDir)
}

// HostStateDir returns the state directory for one host profile.
func HostStateDir(host string) string {
	return filepath.Join(DataRoot(), "hosts", NormalizeHost(host))
}

// LockPath returns the host profile's single-instance lock file.
func LockPath(host string) string {
	return filepath.Join(HostStateDir(host), "berth.pid")
}

// JournalPath returns the host profile's run journal database.
func JournalPath(host string) string {
	return filepath.Join(HostStateDir(host), "journal.db")
}

// NormalizeHost maps the empty profile name to LocalHost.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return LocalHost
	}
	return host
}

// EnsureDataRoot creates dir and its parents.
func EnsureDataRoot(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
