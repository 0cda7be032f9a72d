// Package tunnel owns the ssh local-port-forward subprocess that makes a
// remote engine socket reachable as a local TCP endpoint. One OS process
// backs one Tunnel; Close kills and reaps it on every path.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"berth/internal/retry"
	"berth/pkg/sdk/defaults"
)

const (
	probeAttempts  = 3
	probeBaseDelay = 100 * time.Millisecond
	sshConnTimeout = 10
)

// TimeoutError reports that the forwarded port never accepted a
// connection within the probe schedule.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tunnel did not become ready after %d probes", e.Attempts)
}

// HostSpec carries the ssh connection parameters for one remote host.
type HostSpec struct {
	// Target is the ssh destination, typically user@host.
	Target string
	// Port is the ssh port; zero uses ssh's default.
	Port int
	// Identity is a private key path passed as -i.
	Identity string
	// Jump is a ProxyJump destination passed as -J.
	Jump string
}

// Tunnel is a live ssh port forward to a remote engine socket.
type Tunnel struct {
	cmd       *exec.Cmd
	stderr    *bytes.Buffer
	localPort int
	hostName  string
	closed    bool
	log       *slog.Logger
}

type opener struct {
	command func(ctx context.Context, localPort int) *exec.Cmd
	policy  retry.Policy
}

// Option adjusts how a tunnel is opened. Used by tests to substitute the
// subprocess and the probe clock.
type Option func(*opener)

// WithCommand replaces the ssh command constructor.
func WithCommand(fn func(ctx context.Context, localPort int) *exec.Cmd) Option {
	return func(o *opener) { o.command = fn }
}

// WithProbePolicy replaces the readiness probe schedule.
func WithProbePolicy(p retry.Policy) Option {
	return func(o *opener) { o.policy = p }
}

// Open allocates a local port, spawns the ssh forwarder for host, and
// waits for the forwarded port to accept a TCP connection. On failure the
// subprocess is killed and reaped before returning.
func Open(ctx context.Context, hostName string, spec HostSpec, opts ...Option) (*Tunnel, error) {
	if strings.TrimSpace(spec.Target) == "" {
		return nil, fmt.Errorf("host %q has no ssh target configured", hostName)
	}

	o := &opener{
		policy: retry.Policy{Attempts: probeAttempts, BaseDelay: probeBaseDelay, SleepFirst: true},
	}
	for _, opt := range opts {
		opt(o)
	}

	port, err := freeLocalPort()
	if err != nil {
		return nil, fmt.Errorf("allocate local port: %w", err)
	}

	var stderr bytes.Buffer
	var cmd *exec.Cmd
	if o.command != nil {
		cmd = o.command(ctx, port)
	} else {
		cmd = exec.CommandContext(ctx, "ssh", sshArgs(port, spec)...)
	}
	cmd.Stderr = &stderr

	log := slog.With("component", "tunnel", "host", hostName, "port", port)
	log.Debug("starting ssh forwarder")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn ssh for %s: %w", hostName, err)
	}

	t := &Tunnel{cmd: cmd, stderr: &stderr, localPort: port, hostName: hostName, log: log}
	if err := t.waitReady(ctx, o.policy); err != nil {
		_ = t.Close()
		if out := strings.TrimSpace(stderr.String()); out != "" && t.exited() {
			return nil, fmt.Errorf("ssh tunnel to %s exited: %s: %w", hostName, out, err)
		}
		return nil, err
	}

	log.Debug("tunnel ready")
	return t, nil
}

// LocalPort returns the forwarded local port.
func (t *Tunnel) LocalPort() int {
	return t.localPort
}

// Addr returns the engine URL backed by this tunnel.
func (t *Tunnel) Addr() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", t.localPort)
}

// Close kills the ssh subprocess and reaps it. Safe to call repeatedly.
func (t *Tunnel) Close() error {
	if t == nil || t.closed {
		return nil
	}
	t.closed = true

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	// Wait reaps the child; the kill error alone does not tell us whether
	// the process already exited.
	if err := t.cmd.Wait(); err != nil && t.cmd.ProcessState == nil {
		return fmt.Errorf("reap ssh for %s: %w", t.hostName, err)
	}
	if t.log != nil {
		t.log.Debug("tunnel closed")
	}
	return nil
}

func (t *Tunnel) waitReady(ctx context.Context, policy retry.Policy) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.localPort))
	dialer := net.Dialer{Timeout: time.Second}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return dialErr
		}
		return conn.Close()
	})
	if err != nil {
		// A cancelled wait is the caller's doing, not a dead forward.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Attempts: policy.Attempts}
	}
	return nil
}

func (t *Tunnel) exited() bool {
	return t.cmd.ProcessState != nil && t.cmd.ProcessState.Exited()
}

// sshArgs builds the forwarder invocation: batch mode so a missing key
// fails instead of prompting, accept-new host keys, no remote command, no
// TTY.
func sshArgs(localPort int, spec HostSpec) []string {
	args := []string{
		"-L", fmt.Sprintf("%d:%s", localPort, defaults.EngineSocketPath),
		"-N",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", sshConnTimeout),
		"-o", "RequestTTY=no",
	}
	if strings.TrimSpace(spec.Jump) != "" {
		args = append(args, "-J", spec.Jump)
	}
	if strings.TrimSpace(spec.Identity) != "" {
		args = append(args, "-i", spec.Identity)
	}
	if spec.Port > 0 {
		args = append(args, "-p", strconv.Itoa(spec.Port))
	}
	return append(args, spec.Target)
}

// freeLocalPort binds :0 and releases the port. Another process could
// grab it before ssh does; the window is accepted.
func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
