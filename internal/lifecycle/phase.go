package lifecycle

import "berth/internal/check"

// Phase is the observed state of the managed container. Stopped is a
// created container whose process has exited; it can be started again
// without recreating.
type Phase uint8

const (
	PhaseAbsent Phase = iota + 1
	PhaseCreated
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseCreated:
		return "created"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseAbsent:
		ok = to == PhaseCreated
	case PhaseCreated:
		ok = to == PhaseRunning || to == PhaseAbsent
	case PhaseRunning:
		ok = to == PhaseStopped
	case PhaseStopped:
		ok = to == PhaseRunning || to == PhaseAbsent
	}
	check.Assertf(ok, "container phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
