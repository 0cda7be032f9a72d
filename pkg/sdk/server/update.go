package server

import (
	"context"
	"time"

	"berth/config"
	"berth/internal/image"
	"berth/internal/lifecycle"
	"berth/pkg/sdk/defaults"
	"berth/pkg/sdk/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// UpdateOptions parameterize one update.
type UpdateOptions struct {
	HostName string
	Host     config.Host

	// NoRestart leaves the running container on the old image; the
	// next up or restart picks up the new one.
	NoRestart bool

	ReadyTimeout time.Duration
	Report       image.Reporter
	Tracer       trace.Tracer
}

// UpdateResult reports a successful update.
type UpdateResult struct {
	Image     image.Descriptor
	Restarted bool
	Record    lifecycle.Record
}

// Update tags the current image as previous, pulls the new latest, and
// unless opted out replaces the running container with one on the new
// image and waits for it to come back.
func (s *Service) Update(ctx context.Context, opts UpdateOptions) (UpdateResult, error) {
	hostName := defaults.NormalizeHost(opts.HostName)
	stateDir := defaults.HostStateDir(hostName)
	if err := defaults.EnsureDataRoot(stateDir); err != nil {
		return UpdateResult{}, err
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = s.tracer
	}
	op, err := telemetry.Begin(ctx, tracer, "update",
		telemetry.Step{ID: stepLock, Title: "acquiring instance lock"},
		telemetry.Step{ID: stepConnect, Title: "connecting to engine"},
		telemetry.Step{ID: stepImage, Title: "pulling the new image"},
		telemetry.Step{ID: stepRestart, Title: "replacing the container"},
		telemetry.Step{ID: stepReady, Title: "waiting for the server"},
	)
	if err != nil {
		return UpdateResult{}, err
	}

	var opErr error
	defer func() {
		op.End(opErr)
	}()
	finish := s.beginRun(hostName, "update")
	defer func() {
		finish(opErr)
	}()

	se := &session{}
	defer se.close()

	var result UpdateResult
	steps := []step{
		{id: stepLock, fn: s.lockStep(hostName, se)},
		{id: stepConnect, fn: s.connectStep(hostName, opts.Host, stateDir, opts.Report, se)},
		{
			id: stepImage,
			fn: func(stepCtx context.Context) error {
				desc, stepErr := se.imgs.Update(stepCtx)
				if stepErr != nil {
					return stepErr
				}
				result.Image = desc
				return nil
			},
		},
		{
			id: stepRestart,
			skip: func() (string, bool) {
				return "--no-restart", opts.NoRestart
			},
			fn: s.replaceStep(opts.Host, se, &result),
		},
		{
			id: stepReady,
			skip: func() (string, bool) {
				return "container not restarted", !result.Restarted
			},
			fn: func(stepCtx context.Context) error {
				return s.waitReady(stepCtx, readyAddr(opts.Host), opts.ReadyTimeout, se.boxes.TailLogs)
			},
		},
	}
	if opErr = runSteps(op, steps); opErr != nil {
		return UpdateResult{}, opErr
	}

	return result, nil
}

// RollbackOptions parameterize one rollback.
type RollbackOptions struct {
	HostName string
	Host     config.Host

	ReadyTimeout time.Duration
	Tracer       trace.Tracer
}

// Rollback re-tags the previous image as latest and replaces the
// container with one running it. It never touches the network; update
// must have recorded a previous image first.
func (s *Service) Rollback(ctx context.Context, opts RollbackOptions) (UpdateResult, error) {
	hostName := defaults.NormalizeHost(opts.HostName)
	stateDir := defaults.HostStateDir(hostName)
	if err := defaults.EnsureDataRoot(stateDir); err != nil {
		return UpdateResult{}, err
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = s.tracer
	}
	op, err := telemetry.Begin(ctx, tracer, "rollback",
		telemetry.Step{ID: stepLock, Title: "acquiring instance lock"},
		telemetry.Step{ID: stepConnect, Title: "connecting to engine"},
		telemetry.Step{ID: stepImage, Title: "restoring the previous image"},
		telemetry.Step{ID: stepRestart, Title: "replacing the container"},
		telemetry.Step{ID: stepReady, Title: "waiting for the server"},
	)
	if err != nil {
		return UpdateResult{}, err
	}

	var opErr error
	defer func() {
		op.End(opErr)
	}()
	finish := s.beginRun(hostName, "rollback")
	defer func() {
		finish(opErr)
	}()

	se := &session{}
	defer se.close()

	var result UpdateResult
	steps := []step{
		{id: stepLock, fn: s.lockStep(hostName, se)},
		{id: stepConnect, fn: s.connectStep(hostName, opts.Host, stateDir, nil, se)},
		{
			id: stepImage,
			fn: func(stepCtx context.Context) error {
				desc, stepErr := se.imgs.Rollback(stepCtx)
				if stepErr != nil {
					return stepErr
				}
				result.Image = desc
				return nil
			},
		},
		{id: stepRestart, fn: s.replaceStep(opts.Host, se, &result)},
		{
			id: stepReady,
			skip: func() (string, bool) {
				return "container not restarted", !result.Restarted
			},
			fn: func(stepCtx context.Context) error {
				return s.waitReady(stepCtx, readyAddr(opts.Host), opts.ReadyTimeout, se.boxes.TailLogs)
			},
		},
	}
	if opErr = runSteps(op, steps); opErr != nil {
		return UpdateResult{}, opErr
	}

	return result, nil
}

// replaceStep swaps the container onto whatever image is now latest. An
// absent container leaves it alone.
func (s *Service) replaceStep(host config.Host, se *session, result *UpdateResult) func(context.Context) error {
	return func(stepCtx context.Context) error {
		cur, stepErr := se.boxes.Inspect(stepCtx)
		if stepErr != nil {
			return stepErr
		}
		if cur.Phase == lifecycle.PhaseAbsent {
			return nil
		}
		rec, stepErr := se.boxes.Replace(stepCtx, containerSpec(host), lifecycle.DefaultStopTimeout)
		if stepErr != nil {
			return stepErr
		}
		result.Restarted = true
		result.Record = rec
		return nil
	}
}
