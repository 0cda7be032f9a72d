package readiness

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// harness scripts the probe results and makes sleeps advance a fake
// clock, so a 60s wait runs in microseconds.
type harness struct {
	t time.Time

	dials     []error
	dialCount int
	logs      string
	logErr    error
	logCount  int
	slept     []time.Duration
}

func newHarness(dials ...error) *harness {
	return &harness{t: time.Unix(1000, 0), dials: dials}
}

func (h *harness) now() time.Time { return h.t }

func (h *harness) sleep(_ context.Context, d time.Duration) error {
	h.slept = append(h.slept, d)
	h.t = h.t.Add(d)
	return nil
}

func (h *harness) dial(_ context.Context, _ string) error {
	h.dialCount++
	if len(h.dials) == 0 {
		return errors.New("connection refused")
	}
	err := h.dials[0]
	h.dials = h.dials[1:]
	return err
}

func (h *harness) fetchLogs(_ context.Context, _ int) (string, error) {
	h.logCount++
	return h.logs, h.logErr
}

func (h *harness) monitor() *Monitor {
	return New(h.fetchLogs, WithDial(h.dial), WithClock(h.now, h.sleep))
}

func TestWait_RequiresThreeConsecutiveSuccesses(t *testing.T) {
	h := newHarness(nil, nil, nil)
	m := h.monitor()

	if err := m.Wait(context.Background(), Options{Addr: "127.0.0.1:7600"}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.dialCount != 3 {
		t.Errorf("dials = %d, want 3", h.dialCount)
	}
}

func TestWait_FlutterResetsTheStreak(t *testing.T) {
	refused := errors.New("connection refused")
	h := newHarness(nil, nil, refused, nil, nil, nil)
	m := h.monitor()

	if err := m.Wait(context.Background(), Options{Addr: "127.0.0.1:7600"}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// Two successes, a drop, then the full streak from scratch.
	if h.dialCount != 6 {
		t.Errorf("dials = %d, want 6", h.dialCount)
	}
}

func TestWait_ProbesEveryHalfSecond(t *testing.T) {
	h := newHarness(nil, nil, nil)
	m := h.monitor()

	if err := m.Wait(context.Background(), Options{}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for i, d := range h.slept {
		if d != 500*time.Millisecond {
			t.Errorf("sleep %d = %s, want 500ms", i, d)
		}
	}
	if len(h.slept) != 2 {
		t.Errorf("sleeps = %d, want 2 between 3 probes", len(h.slept))
	}
}

func TestWait_FatalLogLineShortCircuits(t *testing.T) {
	h := newHarness()
	h.logs = strings.Join([]string{
		"Server listening preparation",
		"exec /usr/sbin/sshd: exec format error",
	}, "\n")
	m := h.monitor()

	err := m.Wait(context.Background(), Options{Addr: "127.0.0.1:7600"})

	var fatal *FatalLogError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalLogError", err)
	}
	if fatal.Line != "exec /usr/sbin/sshd: exec format error" {
		t.Errorf("line = %q", fatal.Line)
	}
	// The verdict lands on the first scan, well before the deadline.
	if h.dialCount != 1 {
		t.Errorf("dials = %d, want 1", h.dialCount)
	}
}

func TestWait_FatalMatchIsCaseInsensitive(t *testing.T) {
	h := newHarness()
	h.logs = "sshd: Permission DENIED opening /etc/ssh/sshd_config"
	m := h.monitor()

	var fatal *FatalLogError
	if err := m.Wait(context.Background(), Options{}); !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalLogError", err)
	}
}

func TestWait_TimesOutWithPointerToLogs(t *testing.T) {
	h := newHarness()
	h.logs = "still starting up"
	m := h.monitor()

	err := m.Wait(context.Background(), Options{Timeout: 3 * time.Second})

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeout.Waited < 3*time.Second {
		t.Errorf("waited = %s, want at least the timeout", timeout.Waited)
	}
	if !strings.Contains(err.Error(), "berth logs") {
		t.Errorf("error %q should point at berth logs", err)
	}
}

func TestWait_LogScansThrottledToOncePerSecond(t *testing.T) {
	h := newHarness()
	m := h.monitor()

	_ = m.Wait(context.Background(), Options{Timeout: 3 * time.Second})

	// Probes run every 500ms but scans only on whole seconds.
	if h.logCount >= h.dialCount {
		t.Errorf("scans = %d with %d probes; scanning should be rarer", h.logCount, h.dialCount)
	}
	if h.logCount == 0 || h.logCount > 4 {
		t.Errorf("scans = %d over ~3.5s, want 1..4", h.logCount)
	}
}

func TestWait_LogFetchErrorsAreNotAVerdict(t *testing.T) {
	h := newHarness(errors.New("refused"), nil, nil, nil)
	h.logErr = errors.New("no logs yet")
	m := h.monitor()

	if err := m.Wait(context.Background(), Options{}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWait_ContextCancelStopsWaiting(t *testing.T) {
	h := newHarness()
	m := h.monitor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Wait(ctx, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
