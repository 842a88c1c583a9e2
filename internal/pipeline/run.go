package pipeline

import (
	"time"

	"github.com/google/uuid"

	"storyloom/internal/chat"
)

// Stage names one unit of work in the pipeline.
type Stage string

const (
	StageDirector      Stage = "director"
	StageWriter        Stage = "writer"
	StagePaintDirector Stage = "paint_director"
	StageTTS           Stage = "tts"
)

// StageStatus is the lifecycle state of one stage run. success, skipped,
// and error are terminal. skipped is reachable only from pending.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageSkipped StageStatus = "skipped"
	StageError   StageStatus = "error"
)

// RunStatus is the aggregate state of one pipeline invocation.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// StageRecord captures the execution telemetry of one stage.
type StageRecord struct {
	ID        string
	RunID     string
	Stage     Stage
	Status    StageStatus
	StartedAt time.Time
	EndedAt   time.Time
	Input     string
	Output    string
	TokensIn  int
	TokensOut int
	ErrText   string
}

// start moves the record from pending to running.
func (r *StageRecord) start(input string, tokensIn int) {
	r.Status = StageRunning
	r.StartedAt = time.Now().UTC()
	r.Input = input
	r.TokensIn = tokensIn
}

// complete marks the record successful.
func (r *StageRecord) complete(output string, tokensOut int) {
	r.Status = StageSuccess
	r.EndedAt = time.Now().UTC()
	r.Output = output
	r.TokensOut = tokensOut
}

// fail marks the record errored, keeping whatever partial output exists.
func (r *StageRecord) fail(err error, partialOutput string) {
	r.Status = StageError
	r.EndedAt = time.Now().UTC()
	r.Output = partialOutput
	if err != nil {
		r.ErrText = err.Error()
	}
}

// skip marks a never-started stage as skipped; only valid from pending.
func (r *StageRecord) skip(reason string) {
	if r.Status != StagePending {
		return
	}
	r.Status = StageSkipped
	r.EndedAt = time.Now().UTC()
	r.ErrText = reason
}

// terminal reports whether the record reached a terminal state.
func (r *StageRecord) terminal() bool {
	switch r.Status {
	case StageSuccess, StageSkipped, StageError:
		return true
	}
	return false
}

// Duration returns the stage's wall time, zero while running.
func (r *StageRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Run aggregates one pipeline invocation across all four stages. The
// orchestrator owns the run exclusively while it is in flight; the RunLog
// collaborator only ever receives append-style writes.
type Run struct {
	ID          string
	SessionID   string
	CharacterID string
	UserMessage string
	Status      RunStatus
	StartedAt   time.Time
	EndedAt     time.Time

	Outline     string
	Narrative   string
	ImageURL    string
	ImagePrompt string
	Audio       []chat.AudioRef
	ErrText     string

	stages    map[Stage]*StageRecord
	finalized bool
}

// newRun creates a run with all four stage records pending.
func newRun(sessionID, characterID, userMessage string) *Run {
	run := &Run{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		CharacterID: characterID,
		UserMessage: userMessage,
		Status:      RunRunning,
		StartedAt:   time.Now().UTC(),
		stages:      make(map[Stage]*StageRecord, 4),
	}
	for _, s := range []Stage{StageDirector, StageWriter, StagePaintDirector, StageTTS} {
		run.stages[s] = &StageRecord{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			Stage:  s,
			Status: StagePending,
		}
	}
	return run
}

// StageRecordFor returns the record for a stage.
func (r *Run) StageRecordFor(s Stage) *StageRecord {
	return r.stages[s]
}

// Stages returns the stage records in pipeline order.
func (r *Run) Stages() []*StageRecord {
	out := make([]*StageRecord, 0, 4)
	for _, s := range []Stage{StageDirector, StageWriter, StagePaintDirector, StageTTS} {
		out = append(out, r.stages[s])
	}
	return out
}

// TotalTokens sums the best-effort token estimates across stages.
func (r *Run) TotalTokens() (in, out int) {
	for _, rec := range r.stages {
		in += rec.TokensIn
		out += rec.TokensOut
	}
	return in, out
}

// Duration returns the run's wall time.
func (r *Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// finalize computes the terminal run status exactly once. A run without a
// narrative is an error; a narrative with any stage errors is partial;
// otherwise success.
func (r *Run) finalize() {
	if r.finalized {
		return
	}
	r.finalized = true
	r.EndedAt = time.Now().UTC()

	if r.Narrative == "" {
		r.Status = RunError
		return
	}

	for _, rec := range r.stages {
		if rec.Status == StageError {
			r.Status = RunPartial
			return
		}
	}
	r.Status = RunSuccess
}
