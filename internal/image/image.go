// Package image acquires the server image — pull with registry fallback,
// build from the embedded definition, update, rollback — and records
// provenance for every successful acquisition.
package image

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

const (
	// Repository is the canonical local image name; acquisition always
	// re-tags into it so the rest of the tool never cares which registry
	// won.
	Repository = "berthd/server"

	TagLatest   = "latest"
	TagPrevious = "previous"

	// RegistryPrimary is tried first; RegistrySecondary is the fallback.
	RegistryPrimary   = "ghcr.io"
	RegistrySecondary = "docker.io"
)

// Registries returns the fallback order.
func Registries() []string {
	return []string{RegistryPrimary, RegistrySecondary}
}

// Descriptor identifies an image as observed on the engine.
type Descriptor struct {
	Repository string
	Tag        string
	// Registry the image came from; empty for locally built images.
	Registry string
	Present  bool
}

// Ref returns the canonical local reference for tag.
func Ref(tag string) string {
	return Repository + ":" + tag
}

// RegistryRef returns the remote reference for tag on registry.
func RegistryRef(registry, tag string) string {
	return registry + "/" + Repository + ":" + tag
}

// hostPlatform picks the pull/build platform matching the host.
func hostPlatform() string {
	if runtime.GOARCH == "arm64" {
		return "linux/arm64"
	}
	return "linux/amd64"
}

// shortID trims an engine image ID to the familiar 12-hex form.
func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// inspectPresent reports whether ref exists on the engine, mapping the
// engine's not-found to a plain false.
func inspectPresent(ctx context.Context, docker client.APIClient, ref string) (bool, string, error) {
	info, err := docker.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("inspect image %q: %w", ref, err)
	}
	return true, shortID(info.ID), nil
}
