// Package cmdutil holds the plumbing the berth subcommands share:
// resolving which host profile a command targets and opening an engine
// connection to it.
package cmdutil

import (
	"context"
	"fmt"
	"os"

	"berth/config"
	"berth/internal/engine"
	"berth/internal/tunnel"
	"berth/pkg/sdk/defaults"
)

// ResolveHost picks the host profile a command runs against.
// Resolution order:
//
//  1. hostFlag / BERTH_HOST — a named profile from the config file
//  2. the config file's current host
//  3. the implicit local profile (local engine, defaults)
func ResolveHost(hostFlag string) (string, config.Host, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", config.Host{}, fmt.Errorf("load config: %w", err)
	}

	name := firstNonEmpty(hostFlag, os.Getenv("BERTH_HOST"))
	if name != "" {
		host, ok := cfg.Get(name)
		if !ok {
			return "", config.Host{}, fmt.Errorf("host %q not configured; run `berth host add %s` or `berth init`", name, name)
		}
		return name, host, nil
	}

	if name, host, ok := cfg.Current(); ok {
		return name, host, nil
	}

	return defaults.LocalHost, config.Host{}, nil
}

// Connect opens a verified engine connection to the resolved host.
// The caller owns the connection and must Close it.
func Connect(ctx context.Context, hostName string, host config.Host) (*engine.Connection, error) {
	if host.Remote() {
		spec := tunnel.HostSpec{
			Target:   host.SSH.Target,
			Port:     host.SSH.Port,
			Identity: host.SSH.Identity,
			Jump:     host.SSH.Jump,
		}
		return engine.ConnectRemote(ctx, hostName, spec)
	}
	return engine.ConnectLocal(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
