package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
)

// LogOptions selects what StreamLogs forwards.
type LogOptions struct {
	Follow bool
	// Tail limits output to the last N lines; 0 means everything.
	Tail int
}

// StreamLogs copies the container's combined output to w, stripping the
// engine's 8-byte stream framing. With Follow it runs until the
// context ends or the container exits.
func (m *Manager) StreamLogs(ctx context.Context, w io.Writer, opts LogOptions) error {
	lo := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
	}
	if opts.Tail > 0 {
		lo.Tail = strconv.Itoa(opts.Tail)
	}
	rc, err := m.docker.ContainerLogs(ctx, m.name, lo)
	if err != nil {
		return fmt.Errorf("container logs %q: %w", m.name, err)
	}
	defer rc.Close()
	return demuxFrames(w, rc)
}

// TailLogs returns the last lines of combined output as cleaned text.
func (m *Manager) TailLogs(ctx context.Context, lines int) (string, error) {
	rc, err := m.docker.ContainerLogs(ctx, m.name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("container logs %q: %w", m.name, err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	// Strip docker stream framing (8-byte header per chunk).
	var clean []byte
	for len(data) >= 8 {
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if size > len(data) {
			size = len(data)
		}
		clean = append(clean, data[:size]...)
		data = data[size:]
	}
	return string(bytes.TrimSpace(clean)), nil
}

// demuxFrames streams framed output to w. TTY containers produce a raw
// stream with no framing; the first byte tells the two apart, since a
// frame header always starts with the stream id 0, 1 or 2.
func demuxFrames(w io.Writer, r io.Reader) error {
	var hdr [8]byte
	first := true
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if first && hdr[0] > 2 {
			if _, err := w.Write(hdr[:]); err != nil {
				return err
			}
			_, err := io.Copy(w, r)
			return err
		}
		first = false
		size := int64(hdr[4])<<24 | int64(hdr[5])<<16 | int64(hdr[6])<<8 | int64(hdr[7])
		if _, err := io.CopyN(w, r, size); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
