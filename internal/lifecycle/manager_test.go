package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls and returns configured responses.
type fakeDocker struct {
	client.APIClient

	inspectResult types.ContainerJSON
	inspectErr    error
	imagePresent  bool
	createErr     error
	startErr      error
	stopErr       error
	removeErr     error
	logsBody      string

	// removed flips inspect to not-found, the way the engine behaves
	// after a remove.
	removed bool

	createdConfig *container.Config
	createdHost   *container.HostConfig
	stopSeconds   int

	calls []string
}

func (f *fakeDocker) ContainerInspect(_ context.Context, _ string) (types.ContainerJSON, error) {
	f.calls = append(f.calls, "Inspect")
	if f.removed {
		return types.ContainerJSON{}, errdefs.ErrNotFound
	}
	return f.inspectResult, f.inspectErr
}

func (f *fakeDocker) ImageInspect(_ context.Context, _ string, _ ...client.ImageInspectOption) (imagetypes.InspectResponse, error) {
	f.calls = append(f.calls, "InspectImage")
	if !f.imagePresent {
		return imagetypes.InspectResponse{}, errdefs.ErrNotFound
	}
	return imagetypes.InspectResponse{ID: "sha256:0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.calls = append(f.calls, "Create")
	f.createdConfig = cfg
	f.createdHost = host
	if f.createErr == nil {
		f.removed = false
		f.inspectErr = nil
	}
	return container.CreateResponse{ID: "0123456789abcdef"}, f.createErr
}

func (f *fakeDocker) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	f.calls = append(f.calls, "Start")
	return f.startErr
}

func (f *fakeDocker) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	f.calls = append(f.calls, "Stop")
	if opts.Timeout != nil {
		f.stopSeconds = *opts.Timeout
	}
	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, _ string, _ container.RemoveOptions) error {
	f.calls = append(f.calls, "Remove")
	if f.removeErr == nil {
		f.removed = true
	}
	return f.removeErr
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.calls = append(f.calls, "Logs")
	return io.NopCloser(strings.NewReader(f.logsBody)), nil
}

func runningContainer() types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Running: true, Status: "running"},
		},
	}
}

func exitedContainer() types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "exited"},
		},
	}
}

// nopListener satisfies net.Listener for the port probe.
type nopListener struct{}

func (nopListener) Accept() (net.Conn, error) { return nil, io.EOF }
func (nopListener) Close() error              { return nil }
func (nopListener) Addr() net.Addr            { return &net.TCPAddr{} }

// denyPorts fails the probe for the given ports and frees the rest.
func denyPorts(busy ...int) func(network, addr string) (net.Listener, error) {
	return func(_, addr string) (net.Listener, error) {
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		for _, b := range busy {
			if portStr == fmt.Sprintf("%d", b) {
				return nil, errors.New("address already in use")
			}
		}
		return nopListener{}, nil
	}
}

// steppedClock returns the configured instants in order.
type steppedClock struct {
	times []time.Time
	i     int
}

func (c *steppedClock) now() time.Time {
	t := c.times[c.i]
	if c.i < len(c.times)-1 {
		c.i++
	}
	return t
}

func openSpec() Spec {
	return Spec{Users: []string{"ada"}}
}

func TestCreate_SecurityGateFailsBeforeAnyEngineCall(t *testing.T) {
	docker := &fakeDocker{imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts()))

	_, err := m.Create(context.Background(), Spec{})

	var gate *SecurityGateError
	if !errors.As(err, &gate) {
		t.Fatalf("err = %v, want *SecurityGateError", err)
	}
	if len(docker.calls) != 0 {
		t.Errorf("engine touched before the gate: %v", docker.calls)
	}
}

func TestCreate_GatePassesWithOneUser(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts()))

	if _, err := m.Create(context.Background(), openSpec()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []string{"Inspect", "InspectImage", "Create", "Inspect"}
	if !slices.Equal(docker.calls, want) {
		t.Errorf("calls = %v, want %v", docker.calls, want)
	}
}

func TestCreate_GatePassesWithUnauthenticatedOptIn(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts()))

	if _, err := m.Create(context.Background(), Spec{AllowUnauthenticated: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestCreate_PortInUseFailsBeforeAnyEngineCall(t *testing.T) {
	docker := &fakeDocker{imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts(7600)))

	_, err := m.Create(context.Background(), openSpec())

	var portErr *PortInUseError
	if !errors.As(err, &portErr) {
		t.Fatalf("err = %v, want *PortInUseError", err)
	}
	if portErr.Port != 7600 {
		t.Errorf("port = %d, want 7600", portErr.Port)
	}
	if portErr.Suggested != 7601 {
		t.Errorf("suggested = %d, want 7601", portErr.Suggested)
	}
	if len(docker.calls) != 0 {
		t.Errorf("engine touched before the port check: %v", docker.calls)
	}
}

func TestCreate_PortScanMayComeUpEmpty(t *testing.T) {
	busy := make([]int, 0, portScanRange+1)
	for p := 7600; p <= 7600+portScanRange; p++ {
		busy = append(busy, p)
	}
	docker := &fakeDocker{imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts(busy...)))

	_, err := m.Create(context.Background(), openSpec())

	var portErr *PortInUseError
	if !errors.As(err, &portErr) {
		t.Fatalf("err = %v, want *PortInUseError", err)
	}
	if portErr.Suggested != 0 {
		t.Errorf("suggested = %d, want none", portErr.Suggested)
	}
}

func TestCreate_RefusesExistingContainer(t *testing.T) {
	docker := &fakeDocker{inspectResult: runningContainer(), imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts()))

	_, err := m.Create(context.Background(), openSpec())

	var exists *ExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("err = %v, want *ExistsError", err)
	}
	if exists.Name != ContainerName {
		t.Errorf("name = %q, want %q", exists.Name, ContainerName)
	}
}

func TestCreate_RequiresImage(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, imagePresent: false}
	m := New(docker, WithListenProbe(denyPorts()))

	_, err := m.Create(context.Background(), openSpec())
	if !errors.Is(err, ErrImageMissing) {
		t.Fatalf("err = %v, want ErrImageMissing", err)
	}
	if contains(docker.calls, "Create") {
		t.Errorf("must not create without an image: %v", docker.calls)
	}
}

func TestCreate_LightweightContainerConfig(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts()))

	if _, err := m.Create(context.Background(), openSpec()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cc := docker.createdConfig
	if cc.Image != "berthd/server:latest" {
		t.Errorf("image = %q, want berthd/server:latest", cc.Image)
	}
	if cc.Labels[labelManaged] != "true" {
		t.Errorf("labels = %v, want %s", cc.Labels, labelManaged)
	}

	hc := docker.createdHost
	if hc.Init == nil || !*hc.Init {
		t.Error("lightweight container should run with init enabled")
	}
	if hc.Privileged {
		t.Error("lightweight container must not be privileged")
	}
	if hc.RestartPolicy.Name != container.RestartPolicyUnlessStopped {
		t.Errorf("restart policy = %q, want unless-stopped", hc.RestartPolicy.Name)
	}

	bindings := hc.PortBindings["7600/tcp"]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" || bindings[0].HostPort != "7600" {
		t.Errorf("service binding = %+v", bindings)
	}
	if _, ok := hc.PortBindings["7601/tcp"]; ok {
		t.Error("admin port should not publish without the console")
	}

	var mounts []string
	for _, mt := range hc.Mounts {
		mounts = append(mounts, mt.Source+":"+mt.Target)
	}
	want := []string{"berth-home:/home", "berth-state:/var/lib/berthd"}
	if !slices.Equal(mounts, want) {
		t.Errorf("mounts = %v, want %v", mounts, want)
	}
}

func TestCreate_AdminConsoleContainerConfig(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, imagePresent: true}
	m := New(docker, WithListenProbe(denyPorts()))

	spec := openSpec()
	spec.AdminConsole = true
	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hc := docker.createdHost
	if !hc.Privileged {
		t.Error("console container should be privileged")
	}
	if !slices.Contains([]string(hc.CapAdd), "SYS_ADMIN") {
		t.Errorf("CapAdd = %v, want SYS_ADMIN", hc.CapAdd)
	}
	if hc.CgroupnsMode != container.CgroupnsModePrivate {
		t.Errorf("cgroupns = %q, want private", hc.CgroupnsMode)
	}
	if _, ok := hc.Tmpfs["/run"]; !ok {
		t.Errorf("tmpfs = %v, want /run", hc.Tmpfs)
	}
	if hc.Init != nil {
		t.Error("console container runs a full init, not the lightweight one")
	}

	bindings := hc.PortBindings["7601/tcp"]
	if len(bindings) != 1 || bindings[0].HostPort != "7601" {
		t.Errorf("admin binding = %+v", bindings)
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	docker := &fakeDocker{inspectResult: runningContainer()}
	clock := &steppedClock{times: []time.Time{
		time.Unix(1000, 0), time.Unix(1002, 0),
	}}
	m := New(docker, WithClock(clock.now))

	res, err := m.Stop(context.Background(), 0)
	if err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if !res.Changed || res.Was != PhaseRunning {
		t.Errorf("first stop = %+v, want a real stop of a running container", res)
	}
	if docker.stopSeconds != 30 {
		t.Errorf("graceful window = %ds, want 30", docker.stopSeconds)
	}

	docker.inspectResult = exitedContainer()
	res, err = m.Stop(context.Background(), 0)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if res.Changed {
		t.Error("second stop should be a no-op")
	}
	if res.Was != PhaseStopped {
		t.Errorf("second stop saw %s, want stopped", res.Was)
	}

	want := []string{"Inspect", "Stop", "Inspect"}
	if !slices.Equal(docker.calls, want) {
		t.Errorf("calls = %v, want %v", docker.calls, want)
	}
}

func TestStop_AbsentContainerIsTrivialSuccess(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound}
	m := New(docker)

	res, err := m.Stop(context.Background(), 0)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Changed || res.Was != PhaseAbsent {
		t.Errorf("res = %+v, want untouched absent", res)
	}
}

func TestStop_ReportsForcedKillByElapsedTime(t *testing.T) {
	docker := &fakeDocker{inspectResult: runningContainer()}
	clock := &steppedClock{times: []time.Time{
		time.Unix(1000, 0), time.Unix(1000, 0).Add(31 * time.Second),
	}}
	m := New(docker, WithClock(clock.now))

	res, err := m.Stop(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Forced {
		t.Errorf("stop took %s of a 30s window and should read as forced", res.Elapsed)
	}
}

func TestStop_ReportsGracefulExit(t *testing.T) {
	docker := &fakeDocker{inspectResult: runningContainer()}
	clock := &steppedClock{times: []time.Time{
		time.Unix(1000, 0), time.Unix(1002, 0),
	}}
	m := New(docker, WithClock(clock.now))

	res, err := m.Stop(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Forced {
		t.Error("a 2s stop is graceful")
	}
	if res.Elapsed != 2*time.Second {
		t.Errorf("elapsed = %s, want 2s", res.Elapsed)
	}
}

func TestRemove_IdempotentWhenAbsent(t *testing.T) {
	docker := &fakeDocker{removeErr: errdefs.ErrNotFound}
	m := New(docker)

	if err := m.Remove(context.Background()); err != nil {
		t.Fatalf("Remove of an absent container should succeed: %v", err)
	}
}

func TestReplace_WalksStopRemoveCreateStart(t *testing.T) {
	docker := &fakeDocker{inspectResult: runningContainer(), imagePresent: true}
	clock := &steppedClock{times: []time.Time{
		time.Unix(1000, 0), time.Unix(1001, 0),
	}}
	m := New(docker, WithListenProbe(denyPorts()), WithClock(clock.now))

	if _, err := m.Replace(context.Background(), openSpec(), 0); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	want := []string{
		"Inspect",        // replace observes
		"Inspect", "Stop", // graceful stop
		"Remove",
		"Inspect", "InspectImage", "Create", "Inspect", // create + its checks
		"Start",
		"Inspect", // final record
	}
	if !slices.Equal(docker.calls, want) {
		t.Errorf("calls = %v, want %v", docker.calls, want)
	}
}

func TestInspect_MapsEngineStates(t *testing.T) {
	cases := []struct {
		name   string
		result types.ContainerJSON
		err    error
		want   Phase
	}{
		{name: "absent", err: errdefs.ErrNotFound, want: PhaseAbsent},
		{name: "created", result: types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "created"},
		}}, want: PhaseCreated},
		{name: "running", result: runningContainer(), want: PhaseRunning},
		{name: "exited", result: exitedContainer(), want: PhaseStopped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docker := &fakeDocker{inspectResult: tc.result, inspectErr: tc.err}
			m := New(docker)

			rec, err := m.Inspect(context.Background())
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if rec.Phase != tc.want {
				t.Errorf("phase = %s, want %s", rec.Phase, tc.want)
			}
		})
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
