// Package telemetry carries operation progress over OpenTelemetry spans.
// An operation is one orchestration run (up, down, update, rollback): a
// root span announces the flat step plan up front, each executed step
// runs inside a child span, and steps the orchestration decides to
// bypass are recorded as zero-length skip markers. Consumers such as the
// CLI checklist subscribe with a span processor and never need a wire
// exporter.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute and event names of the operation contract. The plan rides
// on the root span; skip markers are child spans flagged at start so a
// processor can classify them without waiting for the end.
const (
	PlanEventName  = "berth.plan"
	PlanVersion    = "1"
	PlanVersionKey = "berth.plan.version"
	PlanJSONKey    = "berth.plan.json"

	StepSkippedKey    = "berth.step.skipped"
	StepSkipReasonKey = "berth.step.skip_reason"
)

// Step is one planned step of an operation. Plans are flat: berth's
// orchestrations run a fixed sequence against a single engine, so there
// is no nesting to express.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Plan is the JSON payload carried by the root span's plan attribute.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Operation is a running orchestration: the root span plus the tracer
// that step and skip spans are started from.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Begin opens the operation's root span and announces the step plan, so
// consumers can render the full checklist before anything runs. Step
// ids must be non-empty and unique.
func Begin(ctx context.Context, tracer trace.Tracer, operation string, steps ...Step) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("begin operation: tracer is required")
	}
	seen := make(map[string]struct{}, len(steps))
	for i, st := range steps {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return nil, fmt.Errorf("begin operation: step %d has empty id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("begin operation: duplicate step id %q", id)
		}
		seen[id] = struct{}{}
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "operation"
	}

	planJSON, err := json.Marshal(Plan{Steps: steps})
	if err != nil {
		return nil, fmt.Errorf("begin operation: marshal plan: %w", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	}
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	span.AddEvent(PlanEventName, trace.WithAttributes(attrs...))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

// Context returns the root span's context; step spans started from it
// nest under the operation.
func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep executes fn inside a child span named after the step id. A
// failure is recorded on the span and returned unchanged.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, id)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// Skip records that the operation bypassed a planned step, and why. The
// marker is a zero-length child span flagged as skipped, so a checklist
// shows the step settled without ever running.
func (o *Operation) Skip(id, reason string) {
	if o == nil || o.tracer == nil {
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	_, span := o.tracer.Start(o.ctx, id, trace.WithAttributes(
		attribute.Bool(StepSkippedKey, true),
		attribute.String(StepSkipReasonKey, strings.TrimSpace(reason)),
	))
	span.End()
}

// End closes the root span, recording err when the operation failed.
func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
