// Package readiness decides whether the server inside the container
// actually came up: a TCP listener that stays up across consecutive
// probes, no fatal startup lines in the logs, all within a deadline.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one Wait call.
	DefaultTimeout = 60 * time.Second

	// probeInterval is the cadence between connect probes; a probe
	// itself gives up after dialTimeout.
	probeInterval = 500 * time.Millisecond
	dialTimeout   = time.Second

	// requiredStreak is how many consecutive successful probes count
	// as ready. A single success can be a listener that accepts and
	// dies; flutter resets the streak to zero.
	requiredStreak = 3

	logScanInterval = time.Second
	logTailLines    = 20
)

// fatalPatterns are matched case-insensitively against the log tail.
// Any hit means the server can never become ready and waiting longer
// is pointless.
var fatalPatterns = []string{
	"exec format error",
	"no such file or directory",
	"permission denied",
	"cannot execute binary file",
}

// FatalLogError reports a log line that proves startup failed.
type FatalLogError struct {
	Line string
}

func (e *FatalLogError) Error() string {
	return fmt.Sprintf("server failed to start: %q", e.Line)
}

// TimeoutError means the server never reached a stable listener in
// time.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("server not ready after %s; `berth logs` shows what it is doing", e.Waited.Round(time.Second))
}

// Options configures one Wait call.
type Options struct {
	// Addr is the host:port the server should be listening on.
	Addr string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// Monitor watches one server come up. The probe, log fetch, clock and
// sleep are all injectable.
type Monitor struct {
	fetchLogs func(ctx context.Context, lines int) (string, error)
	dial      func(ctx context.Context, addr string) error
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	log       *slog.Logger
}

// Option adjusts a Monitor.
type Option func(*Monitor)

// WithDial overrides the TCP probe.
func WithDial(dial func(ctx context.Context, addr string) error) Option {
	return func(m *Monitor) { m.dial = dial }
}

// WithClock overrides the clock and makes sleeps advance it.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) {
		m.now = now
		m.sleep = sleep
	}
}

// New builds a Monitor; fetchLogs returns the last n lines of the
// container's combined output.
func New(fetchLogs func(ctx context.Context, lines int) (string, error), opts ...Option) *Monitor {
	m := &Monitor{
		fetchLogs: fetchLogs,
		dial:      defaultDial,
		sleep:     defaultSleep,
		now:       time.Now,
		log:       slog.With("component", "readiness"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultDial(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the server is ready, provably dead, or out of
// time.
func (m *Monitor) Wait(ctx context.Context, opts Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := m.now()
	deadline := start.Add(timeout)

	streak := 0
	var lastScan time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.dial(ctx, opts.Addr); err == nil {
			streak++
			if streak >= requiredStreak {
				m.log.Debug("server ready", "addr", opts.Addr, "waited", m.now().Sub(start))
				return nil
			}
		} else {
			streak = 0
		}

		if at := m.now(); at.Sub(lastScan) >= logScanInterval {
			lastScan = at
			// Early on the container may have no logs yet; fetch
			// failures are not a verdict.
			if text, err := m.fetchLogs(ctx, logTailLines); err == nil {
				if line, ok := scanFatal(text); ok {
					return &FatalLogError{Line: line}
				}
			}
		}

		if m.now().After(deadline) {
			return &TimeoutError{Waited: m.now().Sub(start)}
		}
		if err := m.sleep(ctx, probeInterval); err != nil {
			return err
		}
	}
}

// scanFatal returns the first log line matching a fatal pattern.
func scanFatal(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		for _, pat := range fatalPatterns {
			if strings.Contains(lower, pat) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}
