// Package buildinfo carries build-time identity stamped via -ldflags.
package buildinfo

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"
	// Commit is the short VCS revision the binary was built from.
	Commit = "unknown"
)
