// Package users manages login accounts inside the running server
// container over the engine's exec API. Passwords travel exclusively
// on the exec's stdin stream; they never appear in an argv or an
// environment, both of which are world-readable inside the container.
package users

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Account is one login account inside the server.
type Account struct {
	Name   string
	UID    int
	Locked bool
}

// Manager runs account commands inside one container.
type Manager struct {
	docker    client.APIClient
	container string
	log       *slog.Logger
}

// New builds a Manager for the named container.
func New(docker client.APIClient, containerName string) *Manager {
	return &Manager{
		docker:    docker,
		container: containerName,
		log:       slog.With("component", "users"),
	}
}

// Add creates a regular account with a home directory and a login
// shell. The account starts without a password; set or lock one next.
func (m *Manager) Add(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	res, err := m.exec(ctx, []string{"useradd", "-m", "-s", "/bin/bash", name}, "")
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fmt.Errorf("useradd %s: %s", name, res.output)
	}
	m.log.Info("added account", "user", name)
	return nil
}

// Remove deletes the account and its home directory.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	res, err := m.exec(ctx, []string{"userdel", "-r", name}, "")
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fmt.Errorf("userdel %s: %s", name, res.output)
	}
	m.log.Info("removed account", "user", name)
	return nil
}

// Exists reports whether the account is known inside the container.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	res, err := m.exec(ctx, []string{"id", "-u", name}, "")
	if err != nil {
		return false, err
	}
	return res.exitCode == 0, nil
}

// SetPassword sets the account's password. The user:password line is
// written to chpasswd's stdin; the command line stays clean.
func (m *Manager) SetPassword(ctx context.Context, name, password string) error {
	if err := validName(name); err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password for %s", name)
	}
	if strings.ContainsAny(password, "\n\x00") {
		return fmt.Errorf("password for %s contains characters chpasswd cannot accept", name)
	}
	res, err := m.exec(ctx, []string{"chpasswd"}, name+":"+password+"\n")
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fmt.Errorf("chpasswd for %s: %s", name, res.output)
	}
	m.log.Info("password set", "user", name)
	return nil
}

// Lock disables password login without touching the account.
func (m *Manager) Lock(ctx context.Context, name string) error {
	return m.passwd(ctx, name, "-l", "lock")
}

// Unlock re-enables password login.
func (m *Manager) Unlock(ctx context.Context, name string) error {
	return m.passwd(ctx, name, "-u", "unlock")
}

func (m *Manager) passwd(ctx context.Context, name, flag, verb string) error {
	if err := validName(name); err != nil {
		return err
	}
	res, err := m.exec(ctx, []string{"passwd", flag, name}, "")
	if err != nil {
		return err
	}
	// passwd -u on a never-passworded account exits 3; the account is
	// already in the requested state as far as login goes.
	if res.exitCode != 0 && res.exitCode != 3 {
		return fmt.Errorf("%s account %s: %s", verb, name, res.output)
	}
	return nil
}

// Provision creates every configured account that is missing inside
// the container, locked until someone sets a password. Returns the
// names it created.
func (m *Manager) Provision(ctx context.Context, names []string) ([]string, error) {
	var created []string
	for _, name := range names {
		ok, err := m.Exists(ctx, name)
		if err != nil {
			return created, err
		}
		if ok {
			continue
		}
		if err := m.Add(ctx, name); err != nil {
			return created, err
		}
		if err := m.Lock(ctx, name); err != nil {
			return created, err
		}
		created = append(created, name)
	}
	return created, nil
}

const uidFloor = 1000

// List returns the regular accounts with their lock state.
func (m *Manager) List(ctx context.Context) ([]Account, error) {
	const sep = "::berth-sep::"
	res, err := m.exec(ctx, []string{"sh", "-c", "getent passwd; echo '" + sep + "'; getent shadow"}, "")
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return nil, fmt.Errorf("list accounts: %s", res.output)
	}

	passwdPart, shadowPart, found := strings.Cut(res.output, sep)
	if !found {
		return nil, fmt.Errorf("list accounts: unexpected output %q", res.output)
	}

	locked := make(map[string]bool)
	for _, line := range strings.Split(shadowPart, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 2 {
			locked[fields[0]] = strings.HasPrefix(fields[1], "!")
		}
	}

	var accounts []Account
	for _, line := range strings.Split(passwdPart, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil || uid < uidFloor || fields[0] == "nobody" {
			continue
		}
		accounts = append(accounts, Account{
			Name:   fields[0],
			UID:    uid,
			Locked: locked[fields[0]],
		})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty account name")
	}
	if strings.ContainsAny(name, ":\n\x00 /") {
		return fmt.Errorf("invalid account name %q", name)
	}
	return nil
}

type execResult struct {
	exitCode int
	output   string
}

// exec runs one command inside the container, optionally feeding
// stdin, and returns its exit code with the combined output.
func (m *Manager) exec(ctx context.Context, cmd []string, stdin string) (execResult, error) {
	created, err := m.docker.ContainerExecCreate(ctx, m.container, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return execResult{}, fmt.Errorf("server container is not running; `berth up` first: %w", err)
		}
		return execResult{}, fmt.Errorf("exec %s: %w", cmd[0], err)
	}

	resp, err := m.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return execResult{}, fmt.Errorf("attach exec %s: %w", cmd[0], err)
	}
	defer resp.Close()

	if stdin != "" {
		if _, err := resp.Conn.Write([]byte(stdin)); err != nil {
			return execResult{}, fmt.Errorf("write exec stdin: %w", err)
		}
		if err := resp.CloseWrite(); err != nil {
			return execResult{}, fmt.Errorf("close exec stdin: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Reader); err != nil {
		return execResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return execResult{}, fmt.Errorf("inspect exec %s: %w", cmd[0], err)
	}
	return execResult{
		exitCode: inspect.ExitCode,
		output:   strings.TrimSpace(stripFrames(buf.Bytes())),
	}, nil
}

// stripFrames removes the engine's 8-byte stream framing.
func stripFrames(data []byte) string {
	var clean []byte
	for len(data) >= 8 {
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if size > len(data) {
			size = len(data)
		}
		clean = append(clean, data[:size]...)
		data = data[size:]
	}
	return string(clean)
}
