// Package lifecycle drives the managed server container through its
// states: create with the safety checks, start, graceful stop, remove,
// and the stop-remove-create-start replacement used by updates.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"berth/internal/image"
)

const (
	// ContainerName is the well-known name of the managed container;
	// one per engine.
	ContainerName = "berth-server"

	// ServicePort and AdminPort are the container-side listeners. The
	// admin console publishes on the host port one above the service
	// port.
	ServicePort = 7600
	AdminPort   = 7601

	VolumeHome  = "berth-home"
	VolumeState = "berth-state"

	// DefaultStopTimeout is how long the engine waits before killing
	// the server process.
	DefaultStopTimeout = 30 * time.Second

	labelManaged = "berth.managed"

	// portScanRange bounds the search for a free-port suggestion.
	portScanRange = 20
)

// Spec is everything create needs to publish and gate the server.
type Spec struct {
	// Bind is the host address ports publish on; defaults to loopback.
	Bind string
	// Port is the host port mapped to the service; defaults to 7600.
	Port int
	// AdminConsole switches the container to a full init with the
	// console published on Port+1.
	AdminConsole bool
	// Users are the accounts configured for this host.
	Users []string
	// AllowUnauthenticated permits creating a server nobody can log
	// in to.
	AllowUnauthenticated bool
}

func (s Spec) withDefaults() Spec {
	if s.Bind == "" {
		s.Bind = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = ServicePort
	}
	return s
}

// Record is the engine's view of the managed container.
type Record struct {
	Name      string
	Phase     Phase
	Image     string
	Ports     []string
	Mounts    []string
	StartedAt time.Time
}

// StopResult reports what a stop actually did.
type StopResult struct {
	// Changed is false when there was nothing running to stop.
	Changed bool
	// Was is the phase observed before stopping.
	Was Phase
	// Forced means the graceful window elapsed and the engine killed
	// the process.
	Forced  bool
	Elapsed time.Duration
}

// Manager owns the single managed container on one engine.
type Manager struct {
	docker   client.APIClient
	name     string
	platform *ocispec.Platform
	listen   func(network, addr string) (net.Listener, error)
	now      func() time.Time
	log      *slog.Logger
}

// Option adjusts a Manager.
type Option func(*Manager)

// WithListenProbe overrides the host-port availability probe.
func WithListenProbe(listen func(network, addr string) (net.Listener, error)) Option {
	return func(m *Manager) { m.listen = listen }
}

// WithClock overrides the stop-duration clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPlatform pins the platform requested at create.
func WithPlatform(p *ocispec.Platform) Option {
	return func(m *Manager) { m.platform = p }
}

// New builds a Manager over an engine client.
func New(docker client.APIClient, opts ...Option) *Manager {
	m := &Manager{
		docker: docker,
		name:   ContainerName,
		listen: net.Listen,
		now:    time.Now,
		log:    slog.With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Inspect reports the managed container's current state. A missing
// container is a valid answer, not an error.
func (m *Manager) Inspect(ctx context.Context) (Record, error) {
	info, err := m.docker.ContainerInspect(ctx, m.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Record{Name: m.name, Phase: PhaseAbsent}, nil
		}
		return Record{}, fmt.Errorf("inspect container %q: %w", m.name, err)
	}
	return recordFromInspect(m.name, info), nil
}

func recordFromInspect(name string, info types.ContainerJSON) Record {
	rec := Record{Name: name, Phase: PhaseCreated}
	if info.State != nil {
		switch {
		case info.State.Running || info.State.Restarting || info.State.Paused:
			rec.Phase = PhaseRunning
			if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
				rec.StartedAt = t
			}
		case info.State.Status == "created":
			rec.Phase = PhaseCreated
		default:
			rec.Phase = PhaseStopped
		}
	}
	if info.Config != nil {
		rec.Image = info.Config.Image
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				rec.Ports = append(rec.Ports, fmt.Sprintf("%s:%s->%s", b.HostIP, b.HostPort, port))
			}
		}
		sort.Strings(rec.Ports)
	}
	for _, mp := range info.Mounts {
		src := mp.Name
		if src == "" {
			src = mp.Source
		}
		rec.Mounts = append(rec.Mounts, src+":"+mp.Destination)
	}
	sort.Strings(rec.Mounts)
	return rec
}

// Create makes the container without starting it. The safety checks —
// login gate, host ports, name collision, image presence — all run
// before anything is created, and the first two before the engine is
// touched at all.
func (m *Manager) Create(ctx context.Context, spec Spec) (Record, error) {
	spec = spec.withDefaults()

	if len(spec.Users) == 0 && !spec.AllowUnauthenticated {
		return Record{}, &SecurityGateError{}
	}
	if err := m.ensurePortsFree(spec); err != nil {
		return Record{}, err
	}

	if _, err := m.docker.ContainerInspect(ctx, m.name); err == nil {
		return Record{}, &ExistsError{Name: m.name}
	} else if !errdefs.IsNotFound(err) {
		return Record{}, fmt.Errorf("inspect container %q: %w", m.name, err)
	}
	if _, err := m.docker.ImageInspect(ctx, image.Ref(image.TagLatest)); err != nil {
		if errdefs.IsNotFound(err) {
			return Record{}, ErrImageMissing
		}
		return Record{}, fmt.Errorf("inspect image %q: %w", image.Ref(image.TagLatest), err)
	}

	cc, hc := containerConfig(spec)
	resp, err := m.docker.ContainerCreate(ctx, cc, hc, nil, m.platform, m.name)
	if err != nil {
		return Record{}, fmt.Errorf("create container %q: %w", m.name, err)
	}
	m.log.Info("created container", "name", m.name, "id", shortID(resp.ID))

	return m.Inspect(ctx)
}

// Start brings a created or stopped container to running.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.docker.ContainerStart(ctx, m.name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", m.name, err)
	}
	return nil
}

// Stop asks the server to exit and waits up to timeout before the
// engine kills it. Stopping an absent or already stopped container is
// a success with Changed false; the Was phase says which it was.
func (m *Manager) Stop(ctx context.Context, timeout time.Duration) (StopResult, error) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	rec, err := m.Inspect(ctx)
	if err != nil {
		return StopResult{}, err
	}
	if rec.Phase != PhaseRunning {
		return StopResult{Changed: false, Was: rec.Phase}, nil
	}

	seconds := int(timeout.Seconds())
	start := m.now()
	if err := m.docker.ContainerStop(ctx, m.name, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return StopResult{Changed: false, Was: PhaseAbsent}, nil
		}
		return StopResult{}, fmt.Errorf("stop container %q: %w", m.name, err)
	}
	elapsed := m.now().Sub(start)
	rec.Phase.Transition(PhaseStopped)

	// No direct signal for SIGKILL; a stop that used up the whole
	// window did not exit gracefully.
	return StopResult{
		Changed: true,
		Was:     PhaseRunning,
		Forced:  elapsed >= timeout,
		Elapsed: elapsed,
	}, nil
}

// Remove deletes the container; already gone is fine.
func (m *Manager) Remove(ctx context.Context) error {
	if err := m.docker.ContainerRemove(ctx, m.name, container.RemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %q: %w", m.name, err)
	}
	return nil
}

// Replace tears the container down and brings a fresh one up from
// whatever image is now tagged latest.
func (m *Manager) Replace(ctx context.Context, spec Spec, stopTimeout time.Duration) (Record, error) {
	rec, err := m.Inspect(ctx)
	if err != nil {
		return Record{}, err
	}
	phase := rec.Phase
	if phase == PhaseRunning {
		if _, err := m.Stop(ctx, stopTimeout); err != nil {
			return Record{}, err
		}
		phase = phase.Transition(PhaseStopped)
	}
	if phase != PhaseAbsent {
		if err := m.Remove(ctx); err != nil {
			return Record{}, err
		}
		phase = phase.Transition(PhaseAbsent)
	}
	if _, err := m.Create(ctx, spec); err != nil {
		return Record{}, err
	}
	phase = phase.Transition(PhaseCreated)
	if err := m.Start(ctx); err != nil {
		return Record{}, err
	}
	phase.Transition(PhaseRunning)

	return m.Inspect(ctx)
}

// ensurePortsFree bind-probes every host port the spec publishes. On a
// conflict it scans upward for a suggestion. A freed probe port can be
// taken again before create binds it; that window is accepted.
func (m *Manager) ensurePortsFree(spec Spec) error {
	ports := []int{spec.Port}
	if spec.AdminConsole {
		ports = append(ports, spec.Port+1)
	}
	for _, p := range ports {
		if m.portFree(spec.Bind, p) {
			continue
		}
		suggested := 0
		for c := p + 1; c <= p+portScanRange; c++ {
			if m.portFree(spec.Bind, c) {
				suggested = c
				break
			}
		}
		return &PortInUseError{Port: p, Suggested: suggested}
	}
	return nil
}

func (m *Manager) portFree(bind string, port int) bool {
	ln, err := m.listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func containerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	servicePort := nat.Port(fmt.Sprintf("%d/tcp", ServicePort))
	exposed := nat.PortSet{servicePort: struct{}{}}
	bindings := nat.PortMap{
		servicePort: {{HostIP: spec.Bind, HostPort: strconv.Itoa(spec.Port)}},
	}
	if spec.AdminConsole {
		adminPort := nat.Port(fmt.Sprintf("%d/tcp", AdminPort))
		exposed[adminPort] = struct{}{}
		bindings[adminPort] = []nat.PortBinding{{HostIP: spec.Bind, HostPort: strconv.Itoa(spec.Port + 1)}}
	}

	cc := &container.Config{
		Image:        image.Ref(image.TagLatest),
		ExposedPorts: exposed,
		Labels:       map[string]string{labelManaged: "true"},
	}
	hc := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: VolumeHome, Target: "/home"},
			{Type: mount.TypeVolume, Source: VolumeState, Target: "/var/lib/berthd"},
		},
	}
	if spec.AdminConsole {
		// The console runs a full init; that needs the cgroup and
		// mount privileges a plain container does not get.
		hc.Privileged = true
		hc.CapAdd = []string{"SYS_ADMIN"}
		hc.CgroupnsMode = container.CgroupnsModePrivate
		hc.Tmpfs = map[string]string{"/run": "", "/run/lock": ""}
	} else {
		yes := true
		hc.Init = &yes
	}
	return cc, hc
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
