package image

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Reporter receives human-readable progress lines. Nil reporters are
// allowed everywhere and mean discard.
type Reporter func(line string)

func (r Reporter) emit(line string) {
	if r != nil {
		r(line)
	}
}

// pullMessage is one JSON object from the engine's pull stream.
type pullMessage struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Progress       string `json:"progress"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
	Error string `json:"error"`
}

type layerState struct {
	status  string
	current int64
	total   int64
}

// pullTracker folds per-layer pull messages into a single rolling
// summary line, re-rendered at most twice a second.
type pullTracker struct {
	report Reporter
	now    func() time.Time

	layers   map[string]*layerState
	lastLine string
	lastAt   time.Time
}

const pullRenderInterval = 500 * time.Millisecond

func newPullTracker(report Reporter, now func() time.Time) *pullTracker {
	if now == nil {
		now = time.Now
	}
	return &pullTracker{report: report, now: now, layers: make(map[string]*layerState)}
}

func (t *pullTracker) observe(msg pullMessage) {
	if msg.ID == "" {
		// Stream-level status ("Pulling from ...", digest lines) passes
		// through untouched.
		if msg.Status != "" {
			t.flush(msg.Status, true)
		}
		return
	}
	ls := t.layers[msg.ID]
	if ls == nil {
		ls = &layerState{}
		t.layers[msg.ID] = ls
	}
	ls.status = msg.Status
	if msg.ProgressDetail.Total > 0 {
		ls.current = msg.ProgressDetail.Current
		ls.total = msg.ProgressDetail.Total
	}
	if done(msg.Status) {
		ls.current = ls.total
	}
	t.flush(t.summary(), false)
}

func done(status string) bool {
	switch status {
	case "Pull complete", "Already exists", "Download complete":
		return true
	}
	return false
}

func (t *pullTracker) summary() string {
	var complete, total int
	var curBytes, totalBytes int64
	for _, ls := range t.layers {
		total++
		if ls.status == "Pull complete" || ls.status == "Already exists" {
			complete++
		}
		curBytes += ls.current
		totalBytes += ls.total
	}
	if totalBytes == 0 {
		return fmt.Sprintf("pulling layers %d/%d", complete, total)
	}
	return fmt.Sprintf("pulling layers %d/%d  %s / %s",
		complete, total,
		units.HumanSize(float64(curBytes)), units.HumanSize(float64(totalBytes)))
}

// flush emits line unless it repeats the previous one or arrives inside
// the render interval. force bypasses the interval, not the dedupe.
func (t *pullTracker) flush(line string, force bool) {
	if line == t.lastLine {
		return
	}
	at := t.now()
	if !force && !t.lastAt.IsZero() && at.Sub(t.lastAt) < pullRenderInterval {
		return
	}
	t.lastLine = line
	t.lastAt = at
	t.report.emit(line)
}

// final re-emits the last summary so the reporter always ends on the
// completed state even when the interval swallowed it.
func (t *pullTracker) final() {
	if s := t.summary(); len(t.layers) > 0 && s != t.lastLine {
		t.lastLine = s
		t.report.emit(s)
	}
}

// buildMessage is one JSON object from the engine's build stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// buildRelay forwards build output lines: step boundaries immediately,
// everything else rate-limited and deduplicated so chatty layers do not
// drown the checklist.
type buildRelay struct {
	report Reporter
	now    func() time.Time

	lastLine string
	lastAt   time.Time
}

const buildRenderInterval = 150 * time.Millisecond

func newBuildRelay(report Reporter, now func() time.Time) *buildRelay {
	if now == nil {
		now = time.Now
	}
	return &buildRelay{report: report, now: now}
}

func (r *buildRelay) observe(raw string) {
	line := strings.TrimRight(raw, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	boundary := strings.HasPrefix(line, "Step ") || strings.HasPrefix(line, "Successfully ")
	if line == r.lastLine {
		return
	}
	at := r.now()
	if !boundary && !r.lastAt.IsZero() && at.Sub(r.lastAt) < buildRenderInterval {
		return
	}
	r.lastLine = line
	r.lastAt = at
	r.report.emit(line)
}
