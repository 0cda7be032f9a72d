package users

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

type execScript struct {
	exit   int
	output string
}

// fakeDocker scripts exec results in call order and captures what was
// asked for and what went down stdin.
type fakeDocker struct {
	client.APIClient

	scripts   []execScript
	configs   []container.ExecOptions
	stdin     bytes.Buffer
	createErr error
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, cfg container.ExecOptions) (types.IDResponse, error) {
	if f.createErr != nil {
		return types.IDResponse{}, f.createErr
	}
	f.configs = append(f.configs, cfg)
	return types.IDResponse{ID: fmt.Sprintf("exec-%d", len(f.configs)-1)}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	idx := f.execIndex(execID)
	body := ""
	if idx < len(f.scripts) {
		body = frame(1, f.scripts[idx].output)
	}
	return types.HijackedResponse{
		Conn:   &captureConn{buf: &f.stdin},
		Reader: bufio.NewReader(strings.NewReader(body)),
	}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	idx := f.execIndex(execID)
	exit := 0
	if idx < len(f.scripts) {
		exit = f.scripts[idx].exit
	}
	return container.ExecInspect{ExitCode: exit}, nil
}

func (f *fakeDocker) execIndex(execID string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(execID, "exec-"))
	return n
}

// frame wraps payload in the engine's 8-byte stream header.
func frame(stream byte, payload string) string {
	if payload == "" {
		return ""
	}
	n := len(payload)
	hdr := []byte{stream, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	return string(hdr) + payload
}

// captureConn implements net.Conn and records writes.
type captureConn struct {
	buf *bytes.Buffer
}

func (c *captureConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (c *captureConn) Write(b []byte) (int, error)      { return c.buf.Write(b) }
func (c *captureConn) Close() error                     { return nil }
func (c *captureConn) CloseWrite() error                { return nil }
func (c *captureConn) LocalAddr() net.Addr              { return nil }
func (c *captureConn) RemoteAddr() net.Addr             { return nil }
func (c *captureConn) SetDeadline(time.Time) error      { return nil }
func (c *captureConn) SetReadDeadline(time.Time) error  { return nil }
func (c *captureConn) SetWriteDeadline(time.Time) error { return nil }

func TestSetPassword_PasswordTravelsOnlyOnStdin(t *testing.T) {
	docker := &fakeDocker{scripts: []execScript{{exit: 0}}}
	m := New(docker, "berth-server")

	if err := m.SetPassword(context.Background(), "ada", "s3cret-pw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	cfg := docker.configs[0]
	if !slices.Equal(cfg.Cmd, []string{"chpasswd"}) {
		t.Errorf("cmd = %v, want bare chpasswd", cfg.Cmd)
	}
	if !cfg.AttachStdin {
		t.Error("chpasswd needs stdin attached")
	}
	for _, arg := range cfg.Cmd {
		if strings.Contains(arg, "s3cret-pw") {
			t.Fatalf("password leaked into argv: %v", cfg.Cmd)
		}
	}
	for _, env := range cfg.Env {
		if strings.Contains(env, "s3cret-pw") {
			t.Fatalf("password leaked into env: %v", cfg.Env)
		}
	}
	if got := docker.stdin.String(); got != "ada:s3cret-pw\n" {
		t.Errorf("stdin = %q, want the user:password line", got)
	}
}

func TestSetPassword_RejectsPasswordChpasswdCannotTake(t *testing.T) {
	docker := &fakeDocker{}
	m := New(docker, "berth-server")

	if err := m.SetPassword(context.Background(), "ada", "bad\npw"); err == nil {
		t.Fatal("newline passwords must be rejected")
	}
	if len(docker.configs) != 0 {
		t.Errorf("no exec should run for a rejected password: %v", docker.configs)
	}
}

func TestAdd_CreatesAccountWithHomeAndShell(t *testing.T) {
	docker := &fakeDocker{scripts: []execScript{{exit: 0}}}
	m := New(docker, "berth-server")

	if err := m.Add(context.Background(), "ada"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	want := []string{"useradd", "-m", "-s", "/bin/bash", "ada"}
	if !slices.Equal(docker.configs[0].Cmd, want) {
		t.Errorf("cmd = %v, want %v", docker.configs[0].Cmd, want)
	}
}

func TestAdd_SurfacesCommandOutputOnFailure(t *testing.T) {
	docker := &fakeDocker{scripts: []execScript{
		{exit: 9, output: "useradd: user 'ada' already exists\n"},
	}}
	m := New(docker, "berth-server")

	err := m.Add(context.Background(), "ada")
	if err == nil {
		t.Fatal("Add should fail when useradd does")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("error %q should carry useradd's output", err)
	}
}

func TestAdd_RejectsHostileNames(t *testing.T) {
	docker := &fakeDocker{}
	m := New(docker, "berth-server")

	for _, name := range []string{"", "a:b", "a b", "a\nb", "../etc"} {
		if err := m.Add(context.Background(), name); err == nil {
			t.Errorf("name %q should be rejected", name)
		}
	}
	if len(docker.configs) != 0 {
		t.Errorf("no exec should run for rejected names: %v", docker.configs)
	}
}

func TestExists_ReadsIdExitCode(t *testing.T) {
	docker := &fakeDocker{scripts: []execScript{
		{exit: 0, output: "1000\n"},
		{exit: 1, output: "id: 'grace': no such user\n"},
	}}
	m := New(docker, "berth-server")

	ok, err := m.Exists(context.Background(), "ada")
	if err != nil || !ok {
		t.Fatalf("Exists(ada) = %v, %v; want true", ok, err)
	}
	ok, err = m.Exists(context.Background(), "grace")
	if err != nil || ok {
		t.Fatalf("Exists(grace) = %v, %v; want false", ok, err)
	}
}

func TestProvision_CreatesMissingAccountsLocked(t *testing.T) {
	docker := &fakeDocker{scripts: []execScript{
		{exit: 0}, // id ada: present
		{exit: 1}, // id grace: missing
		{exit: 0}, // useradd grace
		{exit: 0}, // passwd -l grace
	}}
	m := New(docker, "berth-server")

	created, err := m.Provision(context.Background(), []string{"ada", "grace"})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !slices.Equal(created, []string{"grace"}) {
		t.Errorf("created = %v, want [grace]", created)
	}

	if want := []string{"useradd", "-m", "-s", "/bin/bash", "grace"}; !slices.Equal(docker.configs[2].Cmd, want) {
		t.Errorf("third exec = %v, want %v", docker.configs[2].Cmd, want)
	}
	if want := []string{"passwd", "-l", "grace"}; !slices.Equal(docker.configs[3].Cmd, want) {
		t.Errorf("fourth exec = %v, want %v", docker.configs[3].Cmd, want)
	}
}

func TestList_ParsesAccountsAndLockState(t *testing.T) {
	output := strings.Join([]string{
		"root:x:0:0:root:/root:/bin/bash",
		"sshd:x:101:65534::/run/sshd:/usr/sbin/nologin",
		"ada:x:1000:1000::/home/ada:/bin/bash",
		"grace:x:1001:1001::/home/grace:/bin/bash",
		"::berth-sep::",
		"root:*:19000:0:99999:7:::",
		"ada:$y$j9T$abcdef:19000:0:99999:7:::",
		"grace:!:19000:0:99999:7:::",
		"",
	}, "\n")
	docker := &fakeDocker{scripts: []execScript{{exit: 0, output: output}}}
	m := New(docker, "berth-server")

	accounts, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := []Account{
		{Name: "ada", UID: 1000, Locked: false},
		{Name: "grace", UID: 1001, Locked: true},
	}
	if !slices.Equal(accounts, want) {
		t.Errorf("accounts = %+v, want %+v", accounts, want)
	}
}

func TestLockAndUnlock_UsePasswdFlags(t *testing.T) {
	docker := &fakeDocker{scripts: []execScript{{exit: 0}, {exit: 0}}}
	m := New(docker, "berth-server")

	if err := m.Lock(context.Background(), "ada"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := m.Unlock(context.Background(), "ada"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if want := []string{"passwd", "-l", "ada"}; !slices.Equal(docker.configs[0].Cmd, want) {
		t.Errorf("lock cmd = %v, want %v", docker.configs[0].Cmd, want)
	}
	if want := []string{"passwd", "-u", "ada"}; !slices.Equal(docker.configs[1].Cmd, want) {
		t.Errorf("unlock cmd = %v, want %v", docker.configs[1].Cmd, want)
	}
}

func TestExec_HintsWhenContainerNotRunning(t *testing.T) {
	docker := &fakeDocker{createErr: errdefs.ErrConflict}
	m := New(docker, "berth-server")

	err := m.Add(context.Background(), "ada")
	if err == nil {
		t.Fatal("Add should fail without a running container")
	}
	if !strings.Contains(err.Error(), "berth up") {
		t.Errorf("error %q should tell the user to bring the server up", err)
	}
}
