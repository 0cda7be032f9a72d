package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"berth/internal/retry"
	"berth/internal/tunnel"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

type fakeClient struct {
	client.APIClient
	pingErr error
	pings   int
	closed  bool
}

func (f *fakeClient) Ping(context.Context) (types.Ping, error) {
	f.pings++
	return types.Ping{}, f.pingErr
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

// listeningTunnel stands in for ssh: it binds the allocated forward port
// itself and spawns an inert subprocess.
func listeningTunnel(t *testing.T, spawned **exec.Cmd) tunnel.Option {
	t.Helper()
	return tunnel.WithCommand(func(ctx context.Context, localPort int) *exec.Cmd {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
		if err != nil {
			t.Fatalf("bind forward port: %v", err)
		}
		t.Cleanup(func() { l.Close() })
		cmd := exec.CommandContext(ctx, "sleep", "60")
		if spawned != nil {
			*spawned = cmd
		}
		return cmd
	})
}

func instantPolicy(delays *[]time.Duration) retry.Policy {
	return retry.Policy{
		Attempts:  3,
		BaseDelay: 100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		},
	}
}

func TestConnectLocalPingsBeforeUse(t *testing.T) {
	cli := &fakeClient{}
	conn, err := ConnectLocal(context.Background(), WithClientFactory(func(host string) (client.APIClient, error) {
		if host != "" {
			t.Fatalf("local connect used host %q", host)
		}
		return cli, nil
	}))
	if err != nil {
		t.Fatalf("ConnectLocal() error = %v", err)
	}
	if cli.pings != 1 {
		t.Fatalf("pings = %d, want 1", cli.pings)
	}
	if conn.Kind() != KindLocal {
		t.Fatalf("Kind() = %q, want %q", conn.Kind(), KindLocal)
	}
}

func TestConnectLocalFailsWhenDaemonDown(t *testing.T) {
	cli := &fakeClient{pingErr: errors.New("connection refused")}
	_, err := ConnectLocal(context.Background(), WithClientFactory(func(string) (client.APIClient, error) {
		return cli, nil
	}))
	if err == nil || !strings.Contains(err.Error(), "start the docker daemon") {
		t.Fatalf("ConnectLocal() error = %v, want actionable daemon hint", err)
	}
	if !cli.closed {
		t.Fatal("failed client was not closed")
	}
}

func TestConnectRemoteRetriesUntilPingSucceeds(t *testing.T) {
	var delays []time.Duration
	clients := []*fakeClient{
		{pingErr: errors.New("EOF")},
		{pingErr: errors.New("connection reset")},
		{},
	}
	built := 0

	conn, err := ConnectRemote(context.Background(), "staging", tunnel.HostSpec{Target: "x@y"},
		WithTunnelOptions(listeningTunnel(t, nil)),
		WithConnectPolicy(instantPolicy(&delays)),
		WithClientFactory(func(host string) (client.APIClient, error) {
			if !strings.HasPrefix(host, "tcp://127.0.0.1:") {
				t.Fatalf("remote connect used host %q", host)
			}
			cli := clients[built]
			built++
			return cli, nil
		}),
	)
	if err != nil {
		t.Fatalf("ConnectRemote() error = %v", err)
	}
	defer conn.Close()

	if built != 3 {
		t.Fatalf("client factory calls = %d, want 3", built)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if !slices.Equal(delays, want) {
		t.Fatalf("retry delays = %v, want %v", delays, want)
	}
	if !clients[0].closed || !clients[1].closed {
		t.Fatal("failed attempt clients were not closed")
	}
	if clients[2].closed {
		t.Fatal("winning client was closed prematurely")
	}
	if conn.Kind() != KindRemote || conn.HostName() != "staging" {
		t.Fatalf("connection identity = %q/%q", conn.Kind(), conn.HostName())
	}
}

func TestConnectRemoteJoinsAllFailuresAndClosesTunnel(t *testing.T) {
	var spawned *exec.Cmd
	built := 0

	_, err := ConnectRemote(context.Background(), "staging", tunnel.HostSpec{Target: "x@y"},
		WithTunnelOptions(listeningTunnel(t, &spawned)),
		WithConnectPolicy(instantPolicy(nil)),
		WithClientFactory(func(string) (client.APIClient, error) {
			built++
			return &fakeClient{pingErr: fmt.Errorf("attempt %d failed", built)}, nil
		}),
	)
	if err == nil {
		t.Fatal("ConnectRemote() error = nil, want exhaustion")
	}
	for _, want := range []string{"attempt 1 failed", "attempt 2 failed", "attempt 3 failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if spawned.ProcessState == nil {
		t.Fatal("tunnel subprocess not reaped after connect failure")
	}
}

func TestVerifyReportsStaleRemoteConnection(t *testing.T) {
	cli := &fakeClient{}
	conn, err := ConnectRemote(context.Background(), "staging", tunnel.HostSpec{Target: "x@y"},
		WithTunnelOptions(listeningTunnel(t, nil)),
		WithConnectPolicy(instantPolicy(nil)),
		WithClientFactory(func(string) (client.APIClient, error) { return cli, nil }),
	)
	if err != nil {
		t.Fatalf("ConnectRemote() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() on healthy connection error = %v", err)
	}

	cli.pingErr = errors.New("broken pipe")
	err = conn.Verify(context.Background())
	if err == nil || !strings.Contains(err.Error(), "reopen the tunnel") {
		t.Fatalf("Verify() error = %v, want stale-tunnel hint", err)
	}
}

func TestCloseReleasesClientAndTunnel(t *testing.T) {
	var spawned *exec.Cmd
	cli := &fakeClient{}
	conn, err := ConnectRemote(context.Background(), "staging", tunnel.HostSpec{Target: "x@y"},
		WithTunnelOptions(listeningTunnel(t, &spawned)),
		WithConnectPolicy(instantPolicy(nil)),
		WithClientFactory(func(string) (client.APIClient, error) { return cli, nil }),
	)
	if err != nil {
		t.Fatalf("ConnectRemote() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !cli.closed {
		t.Fatal("client not closed")
	}
	if spawned.ProcessState == nil {
		t.Fatal("tunnel subprocess not reaped on Close")
	}
}
