package server

import (
	"context"

	"berth/config"
	"berth/internal/engine"
	"berth/internal/image"
	"berth/internal/journal"
	"berth/internal/lifecycle"
	"berth/internal/lock"
	"berth/pkg/sdk/defaults"
)

// StatusOptions parameterize one status read.
type StatusOptions struct {
	HostName string
	Host     config.Host

	// History asks for the newest N journal runs; zero skips the
	// journal entirely.
	History int
}

// StatusResult is a point-in-time view of one host's server.
type StatusResult struct {
	EngineKind engine.Kind
	Record     lifecycle.Record
	Image      image.Descriptor

	Provenance    image.Provenance
	HasProvenance bool

	// LockHeld and LockPID report another berth process mid-run.
	LockHeld bool
	LockPID  int

	URL     string
	History []journal.Run
}

// Running reports whether the server is up.
func (r StatusResult) Running() bool {
	return r.Record.Phase == lifecycle.PhaseRunning
}

// Status reads the server's current state without taking the lock; it
// mutates nothing.
func (s *Service) Status(ctx context.Context, opts StatusOptions) (StatusResult, error) {
	hostName := defaults.NormalizeHost(opts.HostName)
	stateDir := defaults.HostStateDir(hostName)

	result := StatusResult{URL: ServiceURL(opts.Host)}

	if st, pid, err := lock.Inspect(defaults.LockPath(hostName)); err == nil && st == lock.StatusHeld {
		result.LockHeld = true
		result.LockPID = pid
	}

	if prov, ok, err := image.ReadProvenance(stateDir); err == nil && ok {
		result.Provenance = prov
		result.HasProvenance = true
	}

	eng, err := s.connect(ctx, hostName, opts.Host)
	if err != nil {
		return StatusResult{}, err
	}
	defer eng.Close()
	result.EngineKind = eng.Kind()

	rec, err := s.newContainers(eng.Client()).Inspect(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	result.Record = rec

	desc, err := s.newImages(eng.Client(), stateDir, nil).Inspect(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	result.Image = desc

	if opts.History > 0 {
		jnl, err := s.openJournal(defaults.JournalPath(hostName))
		if err == nil {
			runs, err := jnl.Recent(opts.History)
			if err == nil {
				result.History = runs
			}
			_ = jnl.Close()
		}
	}

	return result, nil
}
