// Package engine establishes and verifies connections to a Docker engine,
// local or reachable through an ssh tunnel. A remote Connection owns its
// Tunnel and never outlives it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"berth/internal/retry"
	"berth/internal/tunnel"

	"github.com/docker/docker/client"
)

// Kind distinguishes how the engine is reached.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

const (
	connectAttempts  = 3
	connectBaseDelay = 100 * time.Millisecond
)

// Connection is an open, ping-verified handle to one engine.
type Connection struct {
	cli      client.APIClient
	kind     Kind
	hostName string
	tun      *tunnel.Tunnel
	log      *slog.Logger
}

type connector struct {
	factory    func(host string) (client.APIClient, error)
	policy     retry.Policy
	tunnelOpts []tunnel.Option
}

// Option adjusts connection establishment; tests substitute the client
// factory and the retry clock.
type Option func(*connector)

// WithClientFactory replaces the Docker client constructor. An empty host
// means the platform-default socket.
func WithClientFactory(fn func(host string) (client.APIClient, error)) Option {
	return func(c *connector) { c.factory = fn }
}

// WithConnectPolicy replaces the remote connect retry schedule.
func WithConnectPolicy(p retry.Policy) Option {
	return func(c *connector) { c.policy = p }
}

// WithTunnelOptions forwards options to the tunnel opened by ConnectRemote.
func WithTunnelOptions(opts ...tunnel.Option) Option {
	return func(c *connector) { c.tunnelOpts = opts }
}

func newConnector(opts []Option) *connector {
	c := &connector{
		factory: defaultFactory,
		policy:  retry.Policy{Attempts: connectAttempts, BaseDelay: connectBaseDelay},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultFactory(host string) (client.APIClient, error) {
	if host == "" {
		return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	return client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
}

// ConnectLocal opens the platform-default engine socket and verifies it
// with a ping.
func ConnectLocal(ctx context.Context, opts ...Option) (*Connection, error) {
	c := newConnector(opts)

	cli, err := c.factory("")
	if err != nil {
		return nil, fmt.Errorf("create engine client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("local engine unreachable: %w; start the docker daemon and retry", err)
	}

	return &Connection{
		cli:      cli,
		kind:     KindLocal,
		hostName: "local",
		log:      slog.With("component", "engine", "host", "local"),
	}, nil
}

// ConnectRemote opens a tunnel to hostName and connects the engine client
// through it. Each attempt opens a fresh client and pings it; the first
// attempt that does both wins, and every failure reason is carried in the
// final error. The tunnel is closed if no attempt succeeds.
func ConnectRemote(ctx context.Context, hostName string, spec tunnel.HostSpec, opts ...Option) (*Connection, error) {
	c := newConnector(opts)

	tun, err := tunnel.Open(ctx, hostName, spec, c.tunnelOpts...)
	if err != nil {
		return nil, fmt.Errorf("open tunnel to %s: %w", hostName, err)
	}

	var cli client.APIClient
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		candidate, attemptErr := c.factory(tun.Addr())
		if attemptErr != nil {
			return attemptErr
		}
		if _, attemptErr = candidate.Ping(ctx); attemptErr != nil {
			_ = candidate.Close()
			return attemptErr
		}
		cli = candidate
		return nil
	})
	if err != nil {
		_ = tun.Close()
		return nil, fmt.Errorf("connect engine on %s via %s: %w", hostName, tun.Addr(), err)
	}

	return &Connection{
		cli:      cli,
		kind:     KindRemote,
		hostName: hostName,
		tun:      tun,
		log:      slog.With("component", "engine", "host", hostName),
	}, nil
}

// Client exposes the engine API for lifecycle, image, and exec callers.
func (c *Connection) Client() client.APIClient {
	return c.cli
}

// Kind reports how the engine is reached.
func (c *Connection) Kind() Kind {
	return c.kind
}

// HostName returns the profile name this connection serves.
func (c *Connection) HostName() string {
	return c.hostName
}

// Verify re-pings the engine. Call it before trusting a connection that
// may have gone stale (tunnel subprocess died, daemon restarted).
func (c *Connection) Verify(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		if c.kind == KindRemote {
			return fmt.Errorf("engine on %s no longer reachable: %w; rerun the command to reopen the tunnel", c.hostName, err)
		}
		return fmt.Errorf("local engine no longer reachable: %w", err)
	}
	return nil
}

// Close releases the client and, for remote connections, kills the
// tunnel subprocess.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	err := c.cli.Close()
	if c.tun != nil {
		if tErr := c.tun.Close(); err == nil {
			err = tErr
		}
	}
	if c.log != nil {
		c.log.Debug("engine connection closed")
	}
	return err
}
