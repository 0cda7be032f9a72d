package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Source says how an image arrived on the engine.
type Source string

const (
	SourcePrebuilt Source = "prebuilt"
	SourceBuild    Source = "build"
)

const (
	provenanceFile         = "provenance.json"
	provenancePreviousFile = "provenance.previous.json"
)

// Provenance records where the current server image came from. It lives
// next to the rest of the per-host state and survives restarts; update
// rotates it aside so rollback can restore the prior record untouched.
type Provenance struct {
	// Version is the 12-hex short image ID the record describes.
	Version string `json:"version"`
	Source  Source `json:"source"`
	// Registry is null for built images.
	Registry   *string `json:"registry"`
	AcquiredAt string  `json:"acquired_at"`
}

func newProvenance(version string, source Source, registry string) Provenance {
	p := Provenance{
		Version:    version,
		Source:     source,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if registry != "" {
		p.Registry = &registry
	}
	return p
}

// ReadProvenance loads the current record from stateDir. A missing file
// is not an error; ok reports whether a record exists.
func ReadProvenance(stateDir string) (Provenance, bool, error) {
	return readProvenanceFile(filepath.Join(stateDir, provenanceFile))
}

// ReadPreviousProvenance loads the rotated-aside record, if any.
func ReadPreviousProvenance(stateDir string) (Provenance, bool, error) {
	return readProvenanceFile(filepath.Join(stateDir, provenancePreviousFile))
}

func readProvenanceFile(path string) (Provenance, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Provenance{}, false, nil
		}
		return Provenance{}, false, fmt.Errorf("read provenance: %w", err)
	}
	var p Provenance
	if err := json.Unmarshal(raw, &p); err != nil {
		return Provenance{}, false, fmt.Errorf("parse provenance %s: %w", path, err)
	}
	return p, true, nil
}

// WriteProvenance replaces the current record in stateDir.
func WriteProvenance(stateDir string, p Provenance) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	raw = append(raw, '\n')
	path := filepath.Join(stateDir, provenanceFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write provenance: %w", err)
	}
	return nil
}

// rotateProvenance moves the current record aside before an update so
// rollback can restore it. Missing current record is fine; an earlier
// rotated record is overwritten.
func rotateProvenance(stateDir string) error {
	cur := filepath.Join(stateDir, provenanceFile)
	prev := filepath.Join(stateDir, provenancePreviousFile)
	if err := os.Rename(cur, prev); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("rotate provenance: %w", err)
	}
	return nil
}

// restoreProvenance puts the rotated record back as current. If no
// rotated record exists the stale current one is removed instead, so
// status never describes an image that is no longer tagged latest.
func restoreProvenance(stateDir string) error {
	cur := filepath.Join(stateDir, provenanceFile)
	prev := filepath.Join(stateDir, provenancePreviousFile)
	if err := os.Rename(prev, cur); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if rmErr := os.Remove(cur); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return fmt.Errorf("drop stale provenance: %w", rmErr)
			}
			return nil
		}
		return fmt.Errorf("restore provenance: %w", err)
	}
	return nil
}
