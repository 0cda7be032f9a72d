// Package server orchestrates the berth server end to end: single-instance
// lock, engine connection, image acquisition, container lifecycle, readiness
// and account provisioning. Each operation emits a telemetry plan so the CLI
// can render the run as a checklist.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"berth/config"
	"berth/internal/engine"
	"berth/internal/image"
	"berth/internal/journal"
	"berth/internal/lifecycle"
	"berth/internal/lock"
	"berth/internal/readiness"
	"berth/internal/tunnel"
	"berth/internal/users"
	"berth/pkg/sdk/defaults"
	"berth/pkg/sdk/telemetry"

	"github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	stepLock      = "acquire_lock"
	stepConnect   = "connect_engine"
	stepImage     = "ensure_image"
	stepContainer = "apply_container"
	stepReady     = "wait_ready"
	stepUsers     = "ensure_users"
	stepStop      = "stop_container"
	stepRestart   = "replace_container"
)

// Engine is the slice of engine.Connection the orchestrations need.
type Engine interface {
	Client() client.APIClient
	Kind() engine.Kind
	Verify(ctx context.Context) error
	Close() error
}

// Images is the slice of image.Acquirer the orchestrations need.
type Images interface {
	Ensure(ctx context.Context, s image.Strategy) (image.Descriptor, error)
	Inspect(ctx context.Context) (image.Descriptor, error)
	Update(ctx context.Context) (image.Descriptor, error)
	Rollback(ctx context.Context) (image.Descriptor, error)
}

// Containers is the slice of lifecycle.Manager the orchestrations need.
type Containers interface {
	Inspect(ctx context.Context) (lifecycle.Record, error)
	Create(ctx context.Context, spec lifecycle.Spec) (lifecycle.Record, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context, timeout time.Duration) (lifecycle.StopResult, error)
	Replace(ctx context.Context, spec lifecycle.Spec, stopTimeout time.Duration) (lifecycle.Record, error)
	TailLogs(ctx context.Context, lines int) (string, error)
}

// Releaser frees the single-instance lock.
type Releaser interface {
	Release() error
}

// RunJournal records orchestration runs for `berth status --history`.
type RunJournal interface {
	Begin(operation, host string) (string, error)
	Finish(id string, runErr error) error
	Recent(limit int) ([]journal.Run, error)
	Close() error
}

// Dependencies are the injection points; zero values select the real
// implementations.
type Dependencies struct {
	Connect        func(ctx context.Context, hostName string, host config.Host) (Engine, error)
	AcquireLock    func(path string) (Releaser, error)
	NewImages      func(docker client.APIClient, stateDir string, report image.Reporter) Images
	NewContainers  func(docker client.APIClient) Containers
	WaitReady      func(ctx context.Context, addr string, timeout time.Duration, fetchLogs func(context.Context, int) (string, error)) error
	ProvisionUsers func(ctx context.Context, docker client.APIClient, names []string) ([]string, error)
	OpenJournal    func(path string) (RunJournal, error)
	Tracer         trace.Tracer
}

// Service runs the berth orchestrations against one engine at a time.
type Service struct {
	connect        func(ctx context.Context, hostName string, host config.Host) (Engine, error)
	acquireLock    func(path string) (Releaser, error)
	newImages      func(docker client.APIClient, stateDir string, report image.Reporter) Images
	newContainers  func(docker client.APIClient) Containers
	waitReady      func(ctx context.Context, addr string, timeout time.Duration, fetchLogs func(context.Context, int) (string, error)) error
	provisionUsers func(ctx context.Context, docker client.APIClient, names []string) ([]string, error)
	openJournal    func(path string) (RunJournal, error)
	tracer         trace.Tracer
	log            *slog.Logger
}

// New builds a Service with the real implementations.
func New() *Service {
	return NewWithDependencies(Dependencies{})
}

// NewWithDependencies builds a Service, filling unset dependencies with
// the real implementations.
func NewWithDependencies(deps Dependencies) *Service {
	if deps.Connect == nil {
		deps.Connect = defaultConnect
	}
	if deps.AcquireLock == nil {
		deps.AcquireLock = func(path string) (Releaser, error) {
			return lock.Acquire(path)
		}
	}
	if deps.NewImages == nil {
		deps.NewImages = func(docker client.APIClient, stateDir string, report image.Reporter) Images {
			return image.NewAcquirer(docker, stateDir, image.WithReporter(report))
		}
	}
	if deps.NewContainers == nil {
		deps.NewContainers = func(docker client.APIClient) Containers {
			return lifecycle.New(docker)
		}
	}
	if deps.WaitReady == nil {
		deps.WaitReady = func(ctx context.Context, addr string, timeout time.Duration, fetchLogs func(context.Context, int) (string, error)) error {
			return readiness.New(fetchLogs).Wait(ctx, readiness.Options{Addr: addr, Timeout: timeout})
		}
	}
	if deps.ProvisionUsers == nil {
		deps.ProvisionUsers = func(ctx context.Context, docker client.APIClient, names []string) ([]string, error) {
			return users.New(docker, lifecycle.ContainerName).Provision(ctx, names)
		}
	}
	if deps.OpenJournal == nil {
		deps.OpenJournal = func(path string) (RunJournal, error) {
			return journal.Open(path)
		}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("berth/sdk/server")
	}

	return &Service{
		connect:        deps.Connect,
		acquireLock:    deps.AcquireLock,
		newImages:      deps.NewImages,
		newContainers:  deps.NewContainers,
		waitReady:      deps.WaitReady,
		provisionUsers: deps.ProvisionUsers,
		openJournal:    deps.OpenJournal,
		tracer:         deps.Tracer,
		log:            slog.With("component", "server"),
	}
}

func defaultConnect(ctx context.Context, hostName string, host config.Host) (Engine, error) {
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

// step is one planned unit of an orchestration. When skip is set and
// decides the step has nothing to do, a skip marker is emitted instead
// of running fn.
type step struct {
	id   string
	skip func() (string, bool)
	fn   func(context.Context) error
}

// runSteps executes the plan in order, stopping at the first failure.
func runSteps(op *telemetry.Operation, steps []step) error {
	for _, st := range steps {
		if st.skip != nil {
			if reason, ok := st.skip(); ok {
				op.Skip(st.id, reason)
				continue
			}
		}
		if err := op.RunStep(op.Context(), st.id, st.fn); err != nil {
			return err
		}
	}
	return nil
}

// session is the state shared by the steps of one orchestration run.
type session struct {
	lock  Releaser
	eng   Engine
	imgs  Images
	boxes Containers
}

// close releases the session's resources; safe on partially opened
// sessions, so it can be deferred before any step has run.
func (se *session) close() {
	if se.eng != nil {
		_ = se.eng.Close()
	}
	if se.lock != nil {
		_ = se.lock.Release()
	}
}

func (s *Service) lockStep(hostName string, se *session) func(context.Context) error {
	return func(context.Context) error {
		l, err := s.acquireLock(defaults.LockPath(hostName))
		if err != nil {
			return err
		}
		se.lock = l
		return nil
	}
}

func (s *Service) connectStep(hostName string, host config.Host, stateDir string, report image.Reporter, se *session) func(context.Context) error {
	return func(stepCtx context.Context) error {
		eng, err := s.connect(stepCtx, hostName, host)
		if err != nil {
			return err
		}
		se.eng = eng
		if err := eng.Verify(stepCtx); err != nil {
			return fmt.Errorf("engine liveness: %w", err)
		}
		se.imgs = s.newImages(eng.Client(), stateDir, report)
		se.boxes = s.newContainers(eng.Client())
		return nil
	}
}

// beginRun opens the host's journal and records the run start. Journal
// trouble never fails an orchestration; it degrades to a no-op finish.
func (s *Service) beginRun(hostName, operation string) func(error) {
	jnl, err := s.openJournal(defaults.JournalPath(hostName))
	if err != nil {
		s.log.Warn("run journal unavailable", "error", err)
		return func(error) {}
	}
	id, err := jnl.Begin(operation, hostName)
	if err != nil {
		s.log.Warn("run journal unavailable", "error", err)
		_ = jnl.Close()
		return func(error) {}
	}
	return func(runErr error) {
		if err := jnl.Finish(id, runErr); err != nil {
			s.log.Warn("run journal write failed", "error", err)
		}
		_ = jnl.Close()
	}
}

// containerSpec maps a host profile onto the lifecycle spec.
func containerSpec(host config.Host) lifecycle.Spec {
	return lifecycle.Spec{
		Bind:                 host.BindAddr(),
		Port:                 host.ServicePort(),
		AdminConsole:         host.AdminConsole,
		Users:                host.Users,
		AllowUnauthenticated: host.AllowUnauthenticated,
	}
}

// readyAddr is where the readiness probe dials the published service.
func readyAddr(host config.Host) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(host.ServicePort()))
}

// ServiceURL is the address users reach the server at once it is ready.
func ServiceURL(host config.Host) string {
	display := host.BindAddr()
	if display == "0.0.0.0" || display == "::" {
		display = "127.0.0.1"
	}
	if host.Remote() {
		target := host.SSH.Target
		if at := strings.LastIndex(target, "@"); at >= 0 {
			target = target[at+1:]
		}
		display = target
	}
	return fmt.Sprintf("http://%s/", net.JoinHostPort(display, strconv.Itoa(host.ServicePort())))
}

// validateImageFlags enforces that at most one acquisition mode is
// requested per invocation, before anything touches the engine.
func validateImageFlags(pull, rebuild, rebuildFull bool) error {
	n := 0
	for _, v := range []bool{pull, rebuild, rebuildFull} {
		if v {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("at most one of --pull, --rebuild and --rebuild-full may be given")
	}
	return nil
}
