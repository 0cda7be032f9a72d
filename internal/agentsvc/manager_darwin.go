//go:build darwin

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

type darwinManager struct{}

func newPlatformManager() Manager {
	return &darwinManager{}
}

func agentPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", AgentLabel+".plist"), nil
}

func guiDomain() string {
	return fmt.Sprintf("gui/%d", os.Getuid())
}

func (m *darwinManager) Install(ctx context.Context, cfg ServiceConfig) error {
	path, err := agentPlistPath()
	if err != nil {
		return err
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(filepath.Dir(filepath.Dir(path)), "Logs", "berth-agent.log")
	}

	plist, err := agentPlist(cfg)
	if err != nil {
		return fmt.Errorf("render agent plist: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}

	// A previous install may still be loaded; unload before replacing.
	_ = launchctlBootout(ctx)

	if err := os.WriteFile(path, plist, 0o644); err != nil {
		return fmt.Errorf("write agent plist: %w", err)
	}

	out, err := exec.CommandContext(ctx, "launchctl", "bootstrap", guiDomain(), path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bootstrap agent: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (m *darwinManager) Uninstall(ctx context.Context) error {
	path, err := agentPlistPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	_ = launchctlBootout(ctx)

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove agent plist: %w", err)
	}
	return nil
}

func (m *darwinManager) Status(ctx context.Context) (Status, error) {
	out, err := exec.CommandContext(ctx, "launchctl", "print", guiDomain()+"/"+AgentLabel).CombinedOutput()
	if err != nil {
		msg := strings.ToLower(strings.TrimSpace(string(out)))
		if strings.Contains(msg, "could not find service") || strings.Contains(msg, "unknown service") {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("launchctl print agent status: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return Status{Installed: true, Running: strings.Contains(string(out), "state = running")}, nil
}

func launchctlBootout(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "launchctl", "bootout", guiDomain()+"/"+AgentLabel).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bootout agent: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
