//go:build linux

package agentsvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type linuxManager struct{}

func newPlatformManager() Manager {
	return &linuxManager{}
}

func unitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user", UnitName), nil
}

func (m *linuxManager) Install(ctx context.Context, cfg ServiceConfig) error {
	path, err := unitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(agentUnit(cfg)), 0o644); err != nil {
		return fmt.Errorf("write agent unit: %w", err)
	}

	if err := userSystemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	return userSystemctl(ctx, "enable", "--now", UnitName)
}

func (m *linuxManager) Uninstall(ctx context.Context) error {
	path, err := unitPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := userSystemctl(ctx, "disable", "--now", UnitName); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove agent unit: %w", err)
	}
	return userSystemctl(ctx, "daemon-reload")
}

func (m *linuxManager) Status(ctx context.Context) (Status, error) {
	loadOut, loadErr := exec.CommandContext(ctx, "systemctl", "--user", "show", UnitName, "--property", "LoadState", "--value").CombinedOutput()
	if loadErr != nil {
		return Status{}, fmt.Errorf("systemctl show LoadState: %s: %w", strings.TrimSpace(string(loadOut)), loadErr)
	}
	installed := strings.TrimSpace(string(loadOut)) == "loaded"

	activeOut, activeErr := exec.CommandContext(ctx, "systemctl", "--user", "show", UnitName, "--property", "ActiveState", "--value").CombinedOutput()
	if activeErr != nil {
		return Status{Installed: installed}, fmt.Errorf("systemctl show ActiveState: %s: %w", strings.TrimSpace(string(activeOut)), activeErr)
	}

	return Status{Installed: installed, Running: strings.TrimSpace(string(activeOut)) == "active"}, nil
}

func userSystemctl(ctx context.Context, args ...string) error {
	full := append([]string{"--user"}, args...)
	out, err := exec.CommandContext(ctx, "systemctl", full...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl --user %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}
