package lifecycle

import (
	"errors"
	"fmt"
)

// ErrImageMissing means create was asked to run a container whose image
// is not on the engine yet.
var ErrImageMissing = errors.New("server image not present on the engine; run `berth up --pull` or `berth up --rebuild` first")

// ExistsError means a container with the managed name already exists.
type ExistsError struct {
	Name string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("container %q already exists; `berth down` removes it, or rerun with --rebuild", e.Name)
}

// PortInUseError reports a host port that something else already
// bound. Suggested is 0 when the scan found nothing free nearby.
type PortInUseError struct {
	Port      int
	Suggested int
}

func (e *PortInUseError) Error() string {
	if e.Suggested == 0 {
		return fmt.Sprintf("host port %d is already in use and no free port was found nearby", e.Port)
	}
	return fmt.Sprintf("host port %d is already in use; port %d looks free, set it with `berth host add` or the config", e.Port, e.Suggested)
}

// SecurityGateError blocks the first creation of a server that nobody
// could log in to.
type SecurityGateError struct{}

func (e *SecurityGateError) Error() string {
	return "refusing to create a server with no users and no unauthenticated access; " +
		"add a user with `berth user add` or set allow_unauthenticated: true in the config"
}
