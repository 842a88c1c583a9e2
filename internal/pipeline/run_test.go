package pipeline

import (
	"errors"
	"testing"
)

func TestRun_StageRecords(t *testing.T) {
	t.Parallel()

	run := newRun("sess", "char", "hello")
	if run.Status != RunRunning {
		t.Errorf("new run status = %v", run.Status)
	}
	if len(run.Stages()) != 4 {
		t.Fatalf("stage count = %d, want 4", len(run.Stages()))
	}
	for _, rec := range run.Stages() {
		if rec.Status != StagePending || rec.RunID != run.ID {
			t.Errorf("fresh record %+v", rec)
		}
	}
}

func TestStageRecord_Lifecycle(t *testing.T) {
	t.Parallel()

	rec := &StageRecord{Stage: StageWriter, Status: StagePending}

	rec.start("input", 10)
	if rec.Status != StageRunning || rec.TokensIn != 10 || rec.StartedAt.IsZero() {
		t.Errorf("after start: %+v", rec)
	}
	if rec.terminal() {
		t.Error("running record must not be terminal")
	}

	rec.complete("output", 20)
	if rec.Status != StageSuccess || rec.TokensOut != 20 || !rec.terminal() {
		t.Errorf("after complete: %+v", rec)
	}
	if rec.Duration() < 0 {
		t.Errorf("duration = %v", rec.Duration())
	}
}

func TestStageRecord_FailKeepsPartialOutput(t *testing.T) {
	t.Parallel()

	rec := &StageRecord{Stage: StageWriter, Status: StagePending}
	rec.start("in", 0)
	rec.fail(errors.New("boom"), "partial")

	if rec.Status != StageError || rec.Output != "partial" || rec.ErrText != "boom" {
		t.Errorf("after fail: %+v", rec)
	}
}

func TestStageRecord_SkipOnlyFromPending(t *testing.T) {
	t.Parallel()

	rec := &StageRecord{Stage: StageTTS, Status: StagePending}
	rec.skip("disabled")
	if rec.Status != StageSkipped || rec.ErrText != "disabled" {
		t.Errorf("after skip: %+v", rec)
	}

	// A started stage cannot retroactively become skipped.
	rec2 := &StageRecord{Stage: StageTTS, Status: StagePending}
	rec2.start("", 0)
	rec2.skip("too late")
	if rec2.Status != StageRunning {
		t.Errorf("running record skipped: %+v", rec2)
	}
}

func TestRun_FinalizeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		narrative string
		failStage Stage
		want      RunStatus
	}{
		{"no narrative is error", "", "", RunError},
		{"narrative clean is success", "story", "", RunSuccess},
		{"narrative with stage error is partial", "story", StagePaintDirector, RunPartial},
		{"no narrative outranks stage error", "", StagePaintDirector, RunError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun("sess", "char", "msg")
			run.Narrative = tt.narrative
			if tt.failStage != "" {
				run.StageRecordFor(tt.failStage).fail(errors.New("x"), "")
			}
			run.finalize()
			if run.Status != tt.want {
				t.Errorf("status = %v, want %v", run.Status, tt.want)
			}
		})
	}
}

func TestRun_FinalizeOnce(t *testing.T) {
	t.Parallel()

	run := newRun("sess", "char", "msg")
	run.Narrative = "story"
	run.finalize()
	first := run.Status

	// A later stage failure cannot change a finalized status.
	run.StageRecordFor(StageTTS).fail(errors.New("late"), "")
	run.finalize()
	if run.Status != first {
		t.Errorf("status changed after finalize: %v -> %v", first, run.Status)
	}
}

func TestRun_TotalTokens(t *testing.T) {
	t.Parallel()

	run := newRun("sess", "char", "msg")
	dir := run.StageRecordFor(StageDirector)
	dir.start("", 100)
	dir.complete("", 40)
	wr := run.StageRecordFor(StageWriter)
	wr.start("", 200)
	wr.complete("", 300)

	in, out := run.TotalTokens()
	if in != 300 || out != 340 {
		t.Errorf("tokens = (%d, %d), want (300, 340)", in, out)
	}
}

func TestEvent_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"run complete", Event{Kind: EventRunComplete}, true},
		{"run-level error", Event{Kind: EventError}, true},
		{"stage-scoped error", Event{Kind: EventError, Stage: StageWriter}, false},
		{"chunk", Event{Kind: EventChunk, Stage: StageWriter}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}
