package pipeline

import (
	"time"

	"storyloom/internal/chat"
)

// EventKind classifies the entries on a run's event stream.
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventStageStarted  EventKind = "stage_started"
	EventChunk         EventKind = "chunk"          // incremental stage output
	EventOutline       EventKind = "outline"        // full director output
	EventStageComplete EventKind = "stage_complete" // carries the stage duration
	EventImage         EventKind = "image"
	EventAudio         EventKind = "audio"
	EventStageSkipped  EventKind = "stage_skipped"
	EventError         EventKind = "error"
	EventDisplayText   EventKind = "display_text" // final display-filtered narrative
	EventRunComplete   EventKind = "run_complete"
)

// Event is one entry on the caller-visible stream. Each run emits exactly
// one terminal event: run_complete, or error with an empty Stage.
type Event struct {
	Kind     EventKind       `json:"kind"`
	RunID    string          `json:"run_id,omitempty"`
	Stage    Stage           `json:"stage,omitempty"`
	Content  string          `json:"content,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
	Audio    []chat.AudioRef `json:"audio,omitempty"`
	Err      string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventRunComplete || (e.Kind == EventError && e.Stage == "")
}
