//go:build !darwin && !linux

package agentsvc

import (
	"context"
	"fmt"
	"runtime"
)

type stubManager struct{}

func newPlatformManager() Manager {
	return &stubManager{}
}

func (s *stubManager) Install(context.Context, ServiceConfig) error {
	return fmt.Errorf("login agents are only supported on Linux/macOS (current: %s)", runtime.GOOS)
}

func (s *stubManager) Uninstall(context.Context) error {
	return fmt.Errorf("login agents are only supported on Linux/macOS (current: %s)", runtime.GOOS)
}

func (s *stubManager) Status(context.Context) (Status, error) {
	return Status{}, nil
}
