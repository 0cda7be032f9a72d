package ui

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist renders operation snapshots as an in-place terminal
// checklist, one row per planned step. Pending rows are muted, the
// running row animates a braille spinner, done rows get a checkmark,
// skipped rows a dash with the reason, failures a red x.
type Checklist struct {
	steps         []stepState
	renderedLines int
	mu            sync.Mutex
	stop          chan struct{}
	frame         int
	once          sync.Once
}

// NewChecklist creates a Checklist ready to receive snapshots.
func NewChecklist() *Checklist {
	return &Checklist{stop: make(chan struct{})}
}

// OnSnapshot redraws the checklist for the latest snapshot. The first
// snapshot prints the whole plan and starts the spinner goroutine.
func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.steps == nil
	c.steps = snap.Steps

	if first {
		for _, s := range c.steps {
			fmt.Fprintf(os.Stderr, "%s\n", c.renderRow(s))
		}
		c.renderedLines = len(c.steps)
		go c.spin()
		return
	}
	c.redraw()
}

// Close stops the spinner.
func (c *Checklist) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw reprints all rows in place. Caller must hold c.mu.
func (c *Checklist) redraw() {
	if len(c.steps) == 0 && c.renderedLines == 0 {
		return
	}
	if c.renderedLines > 0 {
		fmt.Fprintf(os.Stderr, "\033[%dA", c.renderedLines)
	}
	for _, s := range c.steps {
		fmt.Fprintf(os.Stderr, "\r%s\033[K\n", c.renderRow(s))
	}
	for i := len(c.steps); i < c.renderedLines; i++ {
		fmt.Fprint(os.Stderr, "\r\033[K\n")
	}
	c.renderedLines = len(c.steps)
}

func (c *Checklist) renderRow(s stepState) string {
	var icon, label string
	switch s.Status {
	case stepRunning:
		icon, label = Accent(spinFrames[c.frame]), s.Title
	case stepSkipped:
		icon, label = Muted("-"), Muted(s.Title)
	case stepDone:
		icon, label = Success("✓"), s.Title
	case stepFailed:
		icon, label = ErrorStyle.Render("✗"), ErrorStyle.Render(s.Title)
	default:
		icon, label = Muted("●"), Muted(s.Title)
	}
	line := "  " + icon + " " + label
	if s.Message != "" {
		line += " " + Muted(s.Message)
	}
	return line
}
