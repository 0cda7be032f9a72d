package ui

import (
	"testing"

	"berth/pkg/sdk/telemetry"
)

func recordSnapshots(t *testing.T) (*stepBoard, *[]stepSnapshot) {
	t.Helper()
	snapshots := make([]stepSnapshot, 0, 8)
	board := newStepBoard(func(snapshot stepSnapshot) {
		copied := stepSnapshot{Steps: append([]stepState(nil), snapshot.Steps...)}
		snapshots = append(snapshots, copied)
	})
	return board, &snapshots
}

func latest(t *testing.T, snapshots []stepSnapshot) stepSnapshot {
	t.Helper()
	if len(snapshots) == 0 {
		t.Fatal("expected snapshots")
	}
	return snapshots[len(snapshots)-1]
}

func TestStepBoardWalksPlanToCompletion(t *testing.T) {
	t.Parallel()

	board, snapshots := recordSnapshots(t)
	board.onPlan(telemetry.Plan{Steps: []telemetry.Step{
		{ID: "acquire_lock", Title: "acquiring instance lock"},
		{ID: "connect_engine", Title: "connecting to engine"},
		{ID: "apply_container", Title: "applying container state"},
	}})
	board.onStart("acquire_lock")
	board.onEnd("acquire_lock", false, "")
	board.onStart("connect_engine")

	final := latest(t, *snapshots)
	if len(final.Steps) != 3 {
		t.Fatalf("row count = %d, want the 3 planned steps", len(final.Steps))
	}
	wantStatus := map[string]stepStatus{
		"acquire_lock":    stepDone,
		"connect_engine":  stepRunning,
		"apply_container": stepPending,
	}
	for _, step := range final.Steps {
		if step.Status != wantStatus[step.ID] {
			t.Errorf("%s status = %q, want %q", step.ID, step.Status, wantStatus[step.ID])
		}
	}
}

func TestStepBoardSettlesSkippedStepWithReason(t *testing.T) {
	t.Parallel()

	board, snapshots := recordSnapshots(t)
	board.onPlan(telemetry.Plan{Steps: []telemetry.Step{
		{ID: "replace_container", Title: "replacing the container"},
		{ID: "wait_ready", Title: "waiting for the server"},
	}})
	board.onSkip("replace_container", "--no-restart")
	board.onSkip("wait_ready", "container not restarted")

	final := latest(t, *snapshots)
	replace, ok := stepByID(final, "replace_container")
	if !ok {
		t.Fatal("missing replace_container row")
	}
	if replace.Status != stepSkipped {
		t.Fatalf("status = %q, want skipped", replace.Status)
	}
	if replace.Message != "--no-restart" {
		t.Fatalf("message = %q, want the skip reason", replace.Message)
	}
}

func TestStepBoardKeepsFailureMessage(t *testing.T) {
	t.Parallel()

	board, snapshots := recordSnapshots(t)
	board.onPlan(telemetry.Plan{Steps: []telemetry.Step{
		{ID: "ensure_image", Title: "ensuring server image"},
	}})
	board.onStart("ensure_image")
	board.onEnd("ensure_image", true, "pull berthd/server:latest failed on 2 registries")

	final := latest(t, *snapshots)
	step, ok := stepByID(final, "ensure_image")
	if !ok {
		t.Fatal("missing ensure_image row")
	}
	if step.Status != stepFailed {
		t.Fatalf("status = %q, want failed", step.Status)
	}
	if step.Message != "pull berthd/server:latest failed on 2 registries" {
		t.Fatalf("message = %q", step.Message)
	}
}

func TestStepBoardAppendsUnplannedStep(t *testing.T) {
	t.Parallel()

	board, snapshots := recordSnapshots(t)
	board.onPlan(telemetry.Plan{Steps: []telemetry.Step{
		{ID: "acquire_lock", Title: "acquiring instance lock"},
	}})
	board.onStart("verify_engine")
	board.onEnd("verify_engine", false, "")

	final := latest(t, *snapshots)
	if len(final.Steps) != 2 {
		t.Fatalf("row count = %d, want planned + unplanned", len(final.Steps))
	}
	extra, ok := stepByID(final, "verify_engine")
	if !ok {
		t.Fatal("missing unplanned row")
	}
	if extra.Status != stepDone || extra.Title != "verify_engine" {
		t.Fatalf("unplanned row = %+v", extra)
	}
}

func stepByID(snapshot stepSnapshot, id string) (stepState, bool) {
	for _, step := range snapshot.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return stepState{}, false
}
