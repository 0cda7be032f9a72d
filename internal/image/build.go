package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	_ "embed"

	"github.com/docker/docker/api/types/build"
)

// serverDockerfile is the fallback image definition used when the
// prebuilt image cannot be pulled or the user asks for a local build.
//
//go:embed Dockerfile
var serverDockerfile []byte

// Build builds the server image from the embedded definition and tags
// it latest. noCache discards the layer cache and refreshes the base
// image, for when a cached rebuild keeps reproducing the problem. The
// engine's own error text is surfaced untouched so the user sees
// exactly which instruction failed.
func (a *Acquirer) Build(ctx context.Context, noCache bool) (Descriptor, error) {
	buildCtx, err := buildContext(serverDockerfile)
	if err != nil {
		return Descriptor{}, err
	}

	a.report.emit(fmt.Sprintf("building %s", Ref(TagLatest)))
	resp, err := a.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{Ref(TagLatest)},
		Dockerfile: "Dockerfile",
		Remove:     true,
		NoCache:    noCache,
		PullParent: noCache,
		Platform:   a.platform,
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("start build: %w", err)
	}
	defer resp.Body.Close()

	relay := newBuildRelay(a.report, a.now)
	dec := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Descriptor{}, fmt.Errorf("decode build stream: %w", err)
		}
		if msg.Error != "" {
			return Descriptor{}, fmt.Errorf("build %s: %s", Ref(TagLatest), msg.Error)
		}
		relay.observe(msg.Stream)
	}

	if err := a.recordAcquisition(ctx, SourceBuild, ""); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Repository: Repository, Tag: TagLatest, Present: true}, nil
}

// buildContext wraps the Dockerfile in the gzipped tar stream the
// engine expects as a build context.
func buildContext(dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish build context: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finish build context: %w", err)
	}
	return &buf, nil
}
