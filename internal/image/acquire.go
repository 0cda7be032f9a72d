package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"berth/internal/retry"
)

// ErrNoPreviousImage is returned by Rollback when update never ran.
var ErrNoPreviousImage = errors.New("no previous image to roll back to; `berth update` records one first")

// RegistryFailure is one registry's final verdict after its retries.
type RegistryFailure struct {
	Registry string
	Err      error
}

// PullError aggregates the per-registry failures once every registry in
// the fallback chain has been exhausted.
type PullError struct {
	Ref      string
	Failures []RegistryFailure
}

func (e *PullError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Registry, f.Err))
	}
	return fmt.Sprintf("pull %s failed on every registry: %s", e.Ref, strings.Join(parts, "; "))
}

func (e *PullError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Strategy selects how Ensure obtains the image.
type Strategy string

const (
	// StrategyPull fetches the prebuilt image, falling back across
	// registries.
	StrategyPull Strategy = "pull"
	// StrategyBuild builds the image locally from the embedded
	// definition.
	StrategyBuild Strategy = "build"
	// StrategyBuildFull builds like StrategyBuild but discards the layer
	// cache and refreshes the base image.
	StrategyBuildFull Strategy = "build-full"
	// StrategyPresent only verifies the image already exists.
	StrategyPresent Strategy = "present"
)

// Acquirer obtains the server image on one engine and keeps the host's
// provenance records in step with what is tagged latest.
type Acquirer struct {
	docker   client.APIClient
	stateDir string

	policy   retry.Policy
	report   Reporter
	now      func() time.Time
	platform string
	log      *slog.Logger
}

// Option adjusts an Acquirer.
type Option func(*Acquirer)

// WithReporter routes progress lines somewhere visible.
func WithReporter(r Reporter) Option {
	return func(a *Acquirer) { a.report = r }
}

// WithRetryPolicy overrides the per-registry retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(a *Acquirer) { a.policy = p }
}

// WithClock overrides the throttle clock.
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) { a.now = now }
}

// NewAcquirer builds an Acquirer over an engine client and the host's
// state directory (where provenance lives).
func NewAcquirer(docker client.APIClient, stateDir string, opts ...Option) *Acquirer {
	a := &Acquirer{
		docker:   docker,
		stateDir: stateDir,
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: time.Second,
		},
		platform: hostPlatform(),
		log:      slog.With("component", "image"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ensure makes the latest image present per strategy and returns its
// descriptor.
func (a *Acquirer) Ensure(ctx context.Context, s Strategy) (Descriptor, error) {
	switch s {
	case StrategyPull:
		return a.Pull(ctx)
	case StrategyBuild:
		return a.Build(ctx, false)
	case StrategyBuildFull:
		return a.Build(ctx, true)
	case StrategyPresent:
		d, err := a.Inspect(ctx)
		if err != nil {
			return Descriptor{}, err
		}
		if !d.Present {
			return Descriptor{}, fmt.Errorf("image %s not present; pull or build it first", Ref(TagLatest))
		}
		return d, nil
	default:
		return Descriptor{}, fmt.Errorf("unknown image strategy %q", s)
	}
}

// Inspect reports whether the latest image exists on the engine.
func (a *Acquirer) Inspect(ctx context.Context) (Descriptor, error) {
	present, _, err := inspectPresent(ctx, a.docker, Ref(TagLatest))
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{Repository: Repository, Tag: TagLatest, Present: present}
	if present {
		if p, ok, _ := ReadProvenance(a.stateDir); ok && p.Registry != nil {
			d.Registry = *p.Registry
		}
	}
	return d, nil
}

// Pull fetches the prebuilt image, trying each registry in order with
// per-registry retries, then re-tags the winner into the canonical
// local name and writes provenance.
func (a *Acquirer) Pull(ctx context.Context) (Descriptor, error) {
	var failures []RegistryFailure
	for _, registry := range Registries() {
		ref := RegistryRef(registry, TagLatest)
		a.report.emit(fmt.Sprintf("pulling %s", ref))
		err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
			return a.pullOnce(ctx, ref)
		})
		if err != nil {
			a.log.Warn("registry pull failed", "registry", registry, "error", err)
			failures = append(failures, RegistryFailure{Registry: registry, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := a.docker.ImageTag(ctx, ref, Ref(TagLatest)); err != nil {
			return Descriptor{}, fmt.Errorf("tag %s as %s: %w", ref, Ref(TagLatest), err)
		}
		if err := a.recordAcquisition(ctx, SourcePrebuilt, registry); err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Repository: Repository, Tag: TagLatest, Registry: registry, Present: true}, nil
	}
	return Descriptor{}, &PullError{Ref: Ref(TagLatest), Failures: failures}
}

func (a *Acquirer) pullOnce(ctx context.Context, ref string) error {
	rc, err := a.docker.ImagePull(ctx, ref, imagetypes.PullOptions{Platform: a.platform})
	if err != nil {
		return err
	}
	defer rc.Close()

	tracker := newPullTracker(a.report, a.now)
	dec := json.NewDecoder(rc)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode pull stream: %w", err)
		}
		// The engine reports mid-stream failures inside the body; the
		// attempt is dead the moment one appears.
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		tracker.observe(msg)
	}
	tracker.final()
	return nil
}

// Update retags the running latest as previous, rotates provenance
// aside, and pulls a fresh latest. Nothing to retag is fine on a first
// update.
func (a *Acquirer) Update(ctx context.Context) (Descriptor, error) {
	cur, err := a.Inspect(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	if cur.Present {
		if err := a.docker.ImageTag(ctx, Ref(TagLatest), Ref(TagPrevious)); err != nil {
			return Descriptor{}, fmt.Errorf("preserve current image as %s: %w", Ref(TagPrevious), err)
		}
		if err := rotateProvenance(a.stateDir); err != nil {
			return Descriptor{}, err
		}
		a.report.emit(fmt.Sprintf("kept current image as %s", Ref(TagPrevious)))
	}
	return a.Pull(ctx)
}

// Rollback retags the preserved previous image as latest and restores
// its provenance record. It never touches the network.
func (a *Acquirer) Rollback(ctx context.Context) (Descriptor, error) {
	present, _, err := inspectPresent(ctx, a.docker, Ref(TagPrevious))
	if err != nil {
		return Descriptor{}, err
	}
	if !present {
		return Descriptor{}, ErrNoPreviousImage
	}
	if err := a.docker.ImageTag(ctx, Ref(TagPrevious), Ref(TagLatest)); err != nil {
		return Descriptor{}, fmt.Errorf("restore %s as %s: %w", Ref(TagPrevious), Ref(TagLatest), err)
	}
	if err := restoreProvenance(a.stateDir); err != nil {
		return Descriptor{}, err
	}
	a.report.emit(fmt.Sprintf("rolled image back to %s", Ref(TagPrevious)))
	d := Descriptor{Repository: Repository, Tag: TagLatest, Present: true}
	if p, ok, _ := ReadProvenance(a.stateDir); ok && p.Registry != nil {
		d.Registry = *p.Registry
	}
	return d, nil
}

// recordAcquisition writes a fresh provenance record for whatever is
// now tagged latest.
func (a *Acquirer) recordAcquisition(ctx context.Context, source Source, registry string) error {
	_, version, err := inspectPresent(ctx, a.docker, Ref(TagLatest))
	if err != nil {
		return err
	}
	return WriteProvenance(a.stateDir, newProvenance(version, source, registry))
}
