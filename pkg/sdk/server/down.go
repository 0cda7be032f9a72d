package server

import (
	"context"
	"time"

	"berth/config"
	"berth/internal/lifecycle"
	"berth/pkg/sdk/defaults"
	"berth/pkg/sdk/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// DownOptions parameterize one stop.
type DownOptions struct {
	HostName string
	Host     config.Host

	// Timeout is the graceful-stop window; zero uses the lifecycle
	// default of 30s.
	Timeout time.Duration

	Tracer trace.Tracer
}

// DownResult reports what the stop did. Stopping an absent or already
// stopped server succeeds with Stopped.Changed false.
type DownResult struct {
	Stopped lifecycle.StopResult
}

// Down stops the server gracefully. It is idempotent: a server that is
// not running is a trivial success, reported distinctly.
func (s *Service) Down(ctx context.Context, opts DownOptions) (DownResult, error) {
	hostName := defaults.NormalizeHost(opts.HostName)
	if err := defaults.EnsureDataRoot(defaults.HostStateDir(hostName)); err != nil {
		return DownResult{}, err
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = s.tracer
	}
	op, err := telemetry.Begin(ctx, tracer, "down",
		telemetry.Step{ID: stepLock, Title: "acquiring instance lock"},
		telemetry.Step{ID: stepConnect, Title: "connecting to engine"},
		telemetry.Step{ID: stepStop, Title: "stopping the server"},
	)
	if err != nil {
		return DownResult{}, err
	}

	var opErr error
	defer func() {
		op.End(opErr)
	}()
	finish := s.beginRun(hostName, "down")
	defer func() {
		finish(opErr)
	}()

	se := &session{}
	defer se.close()

	var result DownResult
	steps := []step{
		{id: stepLock, fn: s.lockStep(hostName, se)},
		{id: stepConnect, fn: s.connectStep(hostName, opts.Host, defaults.HostStateDir(hostName), nil, se)},
		{
			id: stepStop,
			fn: func(stepCtx context.Context) error {
				stopped, stepErr := se.boxes.Stop(stepCtx, opts.Timeout)
				if stepErr != nil {
					return stepErr
				}
				result.Stopped = stopped
				return nil
			},
		},
	}
	if opErr = runSteps(op, steps); opErr != nil {
		return DownResult{}, opErr
	}

	return result, nil
}
