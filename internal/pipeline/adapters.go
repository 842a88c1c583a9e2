// Package pipeline orchestrates the four-stage generation flow: director,
// writer and paint-director (concurrent), then tts. It owns the in-flight
// run and stage records, merges the parallel stages' streamed output into
// one ordered event stream, and reports telemetry to a RunLog collaborator.
package pipeline

import (
	"context"

	"storyloom/internal/chat"
)

// StreamChunk is one increment of a streamed completion. A non-nil Err ends
// the stream; the channel is closed after the final chunk either way.
type StreamChunk struct {
	Text string
	Err  error
}

// LLMParams are the generation parameters passed through to an LLM call.
type LLMParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// LLMClient is the abstract text-generation collaborator. Implementations
// must honor context cancellation between chunks.
type LLMClient interface {
	// StreamCompletion starts a streaming completion and returns a channel
	// of chunks. The channel is closed when the completion ends.
	StreamCompletion(ctx context.Context, messages []chat.Message, params LLMParams) (<-chan StreamChunk, error)

	// Completion runs a non-streaming completion.
	Completion(ctx context.Context, messages []chat.Message, params LLMParams) (string, error)
}

// ImageGenerator is the abstract image-synthesis collaborator.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, sessionID, configID string) (string, error)
}

// SpeechSynthesizer is the abstract audio-synthesis collaborator.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voice, sessionID, configID string) (string, error)
}

// RunLog records pipeline telemetry. Every call is fire-and-forget from the
// orchestrator's perspective: failures are logged and never abort a run.
type RunLog interface {
	CreateRun(ctx context.Context, run *Run) error
	StartStage(ctx context.Context, rec *StageRecord) error
	CompleteStage(ctx context.Context, rec *StageRecord) error
	SkipStage(ctx context.Context, rec *StageRecord) error
	CompleteRun(ctx context.Context, run *Run) error
}

// SessionStore persists the conversation session after a run.
type SessionStore interface {
	Save(ctx context.Context, session *chat.Session) error
}
