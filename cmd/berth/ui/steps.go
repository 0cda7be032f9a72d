package ui

// stepStatus tracks one checklist row from the plan announcement to its
// terminal state. Skipped is terminal too: the operation looked at the
// step and decided it had nothing to do.
type stepStatus string

const (
	stepPending stepStatus = "pending"
	stepRunning stepStatus = "running"
	stepSkipped stepStatus = "skipped"
	stepDone    stepStatus = "done"
	stepFailed  stepStatus = "failed"
)

// stepState is one rendered line of the checklist. Plans are flat, so a
// row is just id, title and where the step currently stands; Message
// carries the failure text or the skip reason.
type stepState struct {
	ID      string
	Title   string
	Status  stepStatus
	Message string
}

// stepSnapshot is the full checklist at one point in time. Snapshots
// replace rather than patch, so renderers never track deltas.
type stepSnapshot struct {
	Steps []stepState
}
