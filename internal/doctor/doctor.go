// Package doctor runs preflight checks for a host profile: everything
// `berth up` is about to need, verified without changing any state.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"berth/config"
	"berth/internal/check"
	"berth/internal/lock"
	"berth/pkg/sdk/defaults"

	"github.com/beevik/ntp"
)

const (
	ntpPool          = "pool.ntp.org"
	ntpSkewThreshold = 500 * time.Millisecond
)

type Verdict uint8

const (
	VerdictOK Verdict = iota + 1
	VerdictWarn
	VerdictFail
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictWarn:
		return "warn"
	case VerdictFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Result is one finished check. Warn means berth still works but the
// operator should look; fail means `berth up` will not succeed as-is.
type Result struct {
	Name    string
	Verdict Verdict
	Detail  string
}

// Failed reports whether any check failed outright.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Verdict == VerdictFail {
			return true
		}
	}
	return false
}

// Checkup probes one host profile. The probe fields exist so tests can
// run the sequence without an engine, a network, or a PATH.
type Checkup struct {
	hostName string
	host     config.Host

	pingEngine func(ctx context.Context) error
	lookPath   func(file string) (string, error)
	listen     func(network, address string) (net.Listener, error)
	queryNTP   func(pool string) (time.Duration, error)
	log        *slog.Logger
}

type Option func(*Checkup)

func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Checkup) { c.lookPath = fn }
}

func WithListenProbe(fn func(network, address string) (net.Listener, error)) Option {
	return func(c *Checkup) { c.listen = fn }
}

func WithNTPQuery(fn func(pool string) (time.Duration, error)) Option {
	return func(c *Checkup) { c.queryNTP = fn }
}

// New builds a checkup for hostName. pingEngine should establish and
// verify an engine connection the same way `berth up` would.
func New(hostName string, host config.Host, pingEngine func(ctx context.Context) error, opts ...Option) *Checkup {
	check.Assert(pingEngine != nil, "doctor.New: pingEngine must not be nil")
	c := &Checkup{
		hostName:   defaults.NormalizeHost(hostName),
		host:       host,
		pingEngine: pingEngine,
		lookPath:   exec.LookPath,
		listen:     net.Listen,
		queryNTP:   queryPool,
		log:        slog.With("component", "doctor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes every check in order and returns all results. Checks
// never stop the sequence; the point is the full picture.
func (c *Checkup) Run(ctx context.Context) []Result {
	results := []Result{
		c.engine(ctx),
		c.ssh(),
		c.dataRoot(),
		c.ports(),
		c.lockFile(),
		c.clock(),
	}
	for _, r := range results {
		c.log.Debug("check finished", "name", r.Name, "verdict", r.Verdict.String(), "detail", r.Detail)
	}
	return results
}

func (c *Checkup) engine(ctx context.Context) Result {
	if err := c.pingEngine(ctx); err != nil {
		return Result{Name: "engine", Verdict: VerdictFail, Detail: err.Error()}
	}
	return Result{Name: "engine", Verdict: VerdictOK, Detail: "reachable"}
}

func (c *Checkup) ssh() Result {
	path, err := c.lookPath("ssh")
	if err == nil {
		return Result{Name: "ssh", Verdict: VerdictOK, Detail: path}
	}
	if c.host.Remote() {
		return Result{Name: "ssh", Verdict: VerdictFail, Detail: "ssh client not found in PATH; remote hosts need it"}
	}
	return Result{Name: "ssh", Verdict: VerdictWarn, Detail: "ssh client not found in PATH; only needed for remote hosts"}
}

func (c *Checkup) dataRoot() Result {
	root := defaults.HostStateDir(c.hostName)
	if err := defaults.EnsureDataRoot(root); err != nil {
		return Result{Name: "data root", Verdict: VerdictFail, Detail: err.Error()}
	}
	probe, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		return Result{Name: "data root", Verdict: VerdictFail, Detail: fmt.Sprintf("%s is not writable: %v", root, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return Result{Name: "data root", Verdict: VerdictOK, Detail: root}
}

func (c *Checkup) ports() Result {
	ports := []int{c.host.ServicePort()}
	if c.host.AdminConsole {
		ports = append(ports, c.host.ServicePort()+1)
	}
	for _, port := range ports {
		addr := net.JoinHostPort(c.host.BindAddr(), strconv.Itoa(port))
		ln, err := c.listen("tcp", addr)
		if err != nil {
			return Result{
				Name:    "ports",
				Verdict: VerdictWarn,
				Detail:  fmt.Sprintf("%s is in use (the server may already be running)", addr),
			}
		}
		ln.Close()
	}
	if len(ports) == 2 {
		return Result{Name: "ports", Verdict: VerdictOK, Detail: fmt.Sprintf("%d and %d are free", ports[0], ports[1])}
	}
	return Result{Name: "ports", Verdict: VerdictOK, Detail: fmt.Sprintf("%d is free", ports[0])}
}

func (c *Checkup) lockFile() Result {
	status, pid, err := lock.Inspect(defaults.LockPath(c.hostName))
	if err != nil {
		return Result{Name: "lock", Verdict: VerdictWarn, Detail: err.Error()}
	}
	switch status {
	case lock.StatusHeld:
		return Result{Name: "lock", Verdict: VerdictWarn, Detail: fmt.Sprintf("another berth process (pid %d) holds the host lock", pid)}
	case lock.StatusStale:
		return Result{Name: "lock", Verdict: VerdictWarn, Detail: "stale lock from a dead process; the next operation reclaims it"}
	default:
		return Result{Name: "lock", Verdict: VerdictOK, Detail: "no other berth process"}
	}
}

func (c *Checkup) clock() Result {
	offset, err := c.queryNTP(ntpPool)
	if err != nil {
		return Result{Name: "clock", Verdict: VerdictWarn, Detail: fmt.Sprintf("could not reach %s: %v", ntpPool, err)}
	}
	rounded := offset.Round(time.Millisecond)
	if offset.Abs() >= ntpSkewThreshold {
		return Result{Name: "clock", Verdict: VerdictWarn, Detail: fmt.Sprintf("system clock is %s off NTP time", rounded)}
	}
	return Result{Name: "clock", Verdict: VerdictOK, Detail: fmt.Sprintf("offset %s", rounded)}
}

func queryPool(pool string) (time.Duration, error) {
	resp, err := ntp.Query(pool)
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
