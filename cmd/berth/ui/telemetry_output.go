package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"berth/pkg/sdk/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryOutput turns an orchestration's operation spans into
// terminal output: the animated checklist on interactive terminals,
// one transition line per step state change otherwise. Commands hand
// its Tracer to the orchestration and Close it when the run ends.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput() *TelemetryOutput {
	if IsInteractive() {
		checklist := NewChecklist()
		board := newStepBoard(checklist.OnSnapshot)
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{board: board}))
		return &TelemetryOutput{provider: provider, closeFn: checklist.Close}
	}

	lines := newLineOutput()
	board := newStepBoard(lines.OnSnapshot)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{board: board}))
	return &TelemetryOutput{provider: provider, closeFn: func() {}}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	if o == nil || o.provider == nil {
		return otel.Tracer(name)
	}
	return o.provider.Tracer(name)
}

func (o *TelemetryOutput) Close() {
	if o == nil {
		return
	}
	if o.provider != nil {
		_ = o.provider.Shutdown(context.Background())
	}
	if o.closeFn != nil {
		o.closeFn()
	}
}

// stepBoard folds plan and step-span transitions into checklist
// snapshots. Plans are flat and announced up front; a span for a step
// the plan never named still gets a row, appended in arrival order.
type stepBoard struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	reporter func(stepSnapshot)
}

func newStepBoard(reporter func(stepSnapshot)) *stepBoard {
	return &stepBoard{
		steps:    make(map[string]stepState),
		order:    make([]string, 0, 8),
		reporter: reporter,
	}
}

func (b *stepBoard) onPlan(plan telemetry.Plan) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, planned := range plan.Steps {
		id := strings.TrimSpace(planned.ID)
		if id == "" {
			continue
		}
		step, exists := b.steps[id]
		if !exists {
			b.order = append(b.order, id)
			step = stepState{ID: id, Status: stepPending}
		}
		step.Title = strings.TrimSpace(planned.Title)
		if step.Title == "" {
			step.Title = id
		}
		b.steps[id] = step
	}
	b.emitLocked()
}

func (b *stepBoard) onStart(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	step := b.rowLocked(id)
	step.Status = stepRunning
	step.Message = ""
	b.steps[step.ID] = step
	b.emitLocked()
}

func (b *stepBoard) onSkip(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	step := b.rowLocked(id)
	step.Status = stepSkipped
	step.Message = strings.TrimSpace(reason)
	b.steps[step.ID] = step
	b.emitLocked()
}

func (b *stepBoard) onEnd(id string, failed bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	step := b.rowLocked(id)
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	} else {
		step.Status = stepDone
		step.Message = ""
	}
	b.steps[step.ID] = step
	b.emitLocked()
}

func (b *stepBoard) rowLocked(id string) stepState {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "unnamed"
	}
	if step, exists := b.steps[id]; exists {
		return step
	}
	b.order = append(b.order, id)
	return stepState{ID: id, Title: id, Status: stepPending}
}

func (b *stepBoard) emitLocked() {
	if b.reporter == nil {
		return
	}
	steps := make([]stepState, 0, len(b.order))
	for _, id := range b.order {
		if step, exists := b.steps[id]; exists {
			steps = append(steps, step)
		}
	}
	b.reporter(stepSnapshot{Steps: steps})
}

// lineOutput prints one line per step transition for logs and
// redirected output, skipping the pending state the plan starts
// everything in.
type lineOutput struct {
	mu   sync.Mutex
	last map[string]string
}

func newLineOutput() *lineOutput {
	return &lineOutput{last: make(map[string]string)}
}

func (l *lineOutput) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		line := formatStepLine(step, step.Message)
		if l.last[step.ID] == line {
			continue
		}
		l.last[step.ID] = line
		fmt.Fprintln(os.Stderr, line)
	}
}

func formatStepLine(step stepState, msg string) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepSkipped:
		prefix = "[--]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	}

	title := strings.TrimSpace(step.Title)
	if title == "" {
		title = strings.TrimSpace(step.ID)
	}
	if msg != "" {
		return fmt.Sprintf("  %s %s (%s)", prefix, title, msg)
	}
	return fmt.Sprintf("  %s %s", prefix, title)
}

// stepSpanProcessor feeds the board from the span stream: the root
// span's attributes carry the plan, child spans are steps, and a child
// flagged as skipped settles its row without ever running.
type stepSpanProcessor struct {
	board *stepBoard
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if p == nil || p.board == nil {
		return
	}

	if span.Parent().IsValid() {
		if skipped, reason := skipMarker(span.Attributes()); skipped {
			p.board.onSkip(span.Name(), reason)
			return
		}
		p.board.onStart(span.Name())
		return
	}

	planJSON := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(planJSON) == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return
	}
	p.board.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil || p.board == nil {
		return
	}
	if !span.Parent().IsValid() {
		return
	}
	if skipped, _ := skipMarker(span.Attributes()); skipped {
		return
	}

	status := span.Status()
	p.board.onEnd(span.Name(), status.Code == codes.Error, strings.TrimSpace(status.Description))
}

func (p *stepSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *stepSpanProcessor) ForceFlush(context.Context) error {
	return nil
}

func skipMarker(attrs []attribute.KeyValue) (bool, string) {
	skipped := false
	reason := ""
	for _, attr := range attrs {
		switch string(attr.Key) {
		case telemetry.StepSkippedKey:
			skipped = attr.Value.AsBool()
		case telemetry.StepSkipReasonKey:
			reason = attr.Value.AsString()
		}
	}
	return skipped, reason
}

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
