package server

import (
	"context"
	"fmt"
	"time"

	"berth/config"
	"berth/internal/image"
	"berth/internal/lifecycle"
	"berth/pkg/sdk/defaults"
	"berth/pkg/sdk/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// UpOptions parameterize one bring-up.
type UpOptions struct {
	HostName string
	Host     config.Host

	// Pull, Rebuild and RebuildFull force image acquisition; at most
	// one may be set. When none is set the image is pulled only if
	// absent.
	Pull        bool
	Rebuild     bool
	RebuildFull bool

	// ReadyTimeout bounds the readiness wait; zero uses the default.
	ReadyTimeout time.Duration

	// Report receives image progress lines.
	Report image.Reporter

	Tracer trace.Tracer
}

// UpOutcome says what the bring-up actually did.
type UpOutcome string

const (
	// OutcomeStarted means a container was created or started.
	OutcomeStarted UpOutcome = "started"
	// OutcomeReplaced means an existing container was torn down and
	// recreated from the freshly acquired image.
	OutcomeReplaced UpOutcome = "replaced"
	// OutcomeAlreadyRunning means nothing needed doing.
	OutcomeAlreadyRunning UpOutcome = "already-running"
)

// UpResult reports a successful bring-up.
type UpResult struct {
	Outcome      UpOutcome
	Image        image.Descriptor
	Record       lifecycle.Record
	CreatedUsers []string
	URL          string
}

// Up brings the server to running: lock, connect, ensure the image,
// create or reuse the container, wait for readiness and provision the
// configured accounts. Calling it on an already running server with no
// acquisition flags is a no-op that reports current state.
func (s *Service) Up(ctx context.Context, opts UpOptions) (UpResult, error) {
	if err := validateImageFlags(opts.Pull, opts.Rebuild, opts.RebuildFull); err != nil {
		return UpResult{}, err
	}

	hostName := defaults.NormalizeHost(opts.HostName)
	stateDir := defaults.HostStateDir(hostName)
	if err := defaults.EnsureDataRoot(stateDir); err != nil {
		return UpResult{}, err
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = s.tracer
	}
	op, err := telemetry.Begin(ctx, tracer, "up",
		telemetry.Step{ID: stepLock, Title: "acquiring instance lock"},
		telemetry.Step{ID: stepConnect, Title: "connecting to engine"},
		telemetry.Step{ID: stepImage, Title: "ensuring server image"},
		telemetry.Step{ID: stepContainer, Title: "applying container state"},
		telemetry.Step{ID: stepReady, Title: "waiting for the server"},
		telemetry.Step{ID: stepUsers, Title: "provisioning accounts"},
	)
	if err != nil {
		return UpResult{}, err
	}

	var opErr error
	defer func() {
		op.End(opErr)
	}()
	finish := s.beginRun(hostName, "up")
	defer func() {
		finish(opErr)
	}()

	se := &session{}
	defer se.close()

	rebuild := opts.Pull || opts.Rebuild || opts.RebuildFull
	spec := containerSpec(opts.Host)
	result := UpResult{URL: ServiceURL(opts.Host)}

	steps := []step{
		{id: stepLock, fn: s.lockStep(hostName, se)},
		{id: stepConnect, fn: s.connectStep(hostName, opts.Host, stateDir, opts.Report, se)},
		{
			id: stepImage,
			fn: func(stepCtx context.Context) error {
				strategy, stepErr := s.resolveStrategy(stepCtx, se.imgs, opts)
				if stepErr != nil {
					return stepErr
				}
				desc, stepErr := se.imgs.Ensure(stepCtx, strategy)
				if stepErr != nil {
					return stepErr
				}
				result.Image = desc
				return nil
			},
		},
		{
			id: stepContainer,
			fn: func(stepCtx context.Context) error {
				cur, stepErr := se.boxes.Inspect(stepCtx)
				if stepErr != nil {
					return stepErr
				}
				switch {
				case cur.Phase == lifecycle.PhaseRunning && !rebuild:
					result.Outcome = OutcomeAlreadyRunning
					result.Record = cur
					return nil
				case rebuild && cur.Phase != lifecycle.PhaseAbsent:
					rec, stepErr := se.boxes.Replace(stepCtx, spec, lifecycle.DefaultStopTimeout)
					if stepErr != nil {
						return stepErr
					}
					result.Outcome = OutcomeReplaced
					result.Record = rec
					return nil
				case cur.Phase == lifecycle.PhaseAbsent:
					if _, stepErr := se.boxes.Create(stepCtx, spec); stepErr != nil {
						return stepErr
					}
				}
				if stepErr := se.boxes.Start(stepCtx); stepErr != nil {
					return stepErr
				}
				rec, stepErr := se.boxes.Inspect(stepCtx)
				if stepErr != nil {
					return stepErr
				}
				result.Outcome = OutcomeStarted
				result.Record = rec
				return nil
			},
		},
		{
			id: stepReady,
			skip: func() (string, bool) {
				return "already running", result.Outcome == OutcomeAlreadyRunning
			},
			fn: func(stepCtx context.Context) error {
				return s.waitReady(stepCtx, readyAddr(opts.Host), opts.ReadyTimeout, se.boxes.TailLogs)
			},
		},
		{
			id: stepUsers,
			skip: func() (string, bool) {
				return "no accounts configured", len(opts.Host.Users) == 0
			},
			fn: func(stepCtx context.Context) error {
				created, stepErr := s.provisionUsers(stepCtx, se.eng.Client(), opts.Host.Users)
				if stepErr != nil {
					return fmt.Errorf("provision accounts: %w", stepErr)
				}
				result.CreatedUsers = created
				return nil
			},
		},
	}
	if opErr = runSteps(op, steps); opErr != nil {
		return UpResult{}, opErr
	}

	return result, nil
}

// resolveStrategy picks how the image step obtains (or verifies) the
// image: explicit flags win, otherwise an absent image is pulled and a
// present one left alone.
func (s *Service) resolveStrategy(ctx context.Context, imgs Images, opts UpOptions) (image.Strategy, error) {
	switch {
	case opts.RebuildFull:
		return image.StrategyBuildFull, nil
	case opts.Rebuild:
		return image.StrategyBuild, nil
	case opts.Pull:
		return image.StrategyPull, nil
	}
	desc, err := imgs.Inspect(ctx)
	if err != nil {
		return "", err
	}
	if desc.Present {
		return image.StrategyPresent, nil
	}
	return image.StrategyPull, nil
}
