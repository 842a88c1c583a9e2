package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"storyloom/internal/character"
	"storyloom/internal/chat"
)

// =============================================================================
// FAKE COLLABORATORS
// =============================================================================

type fakeLLM struct {
	chunks    []string
	streamErr error // delivered after the chunks
	startErr  error // returned from StreamCompletion itself

	mu       sync.Mutex
	messages []chat.Message
}

func (f *fakeLLM) StreamCompletion(_ context.Context, messages []chat.Message, _ LLMParams) (<-chan StreamChunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.messages = messages
	f.mu.Unlock()

	ch := make(chan StreamChunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- StreamChunk{Text: c}
	}
	if f.streamErr != nil {
		ch <- StreamChunk{Err: f.streamErr}
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Completion(ctx context.Context, messages []chat.Message, params LLMParams) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return strings.Join(f.chunks, ""), f.streamErr
}

// hangingLLM emits one chunk and then blocks until aborted or cancelled.
type hangingLLM struct {
	first string
}

func (h *hangingLLM) StreamCompletion(_ context.Context, _ []chat.Message, _ LLMParams) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Text: h.first}
	// Never closed: the stream stalls after the first chunk.
	return ch, nil
}

func (h *hangingLLM) Completion(context.Context, []chat.Message, LLMParams) (string, error) {
	return h.first, nil
}

type fakeImage struct {
	url string
	err error

	mu      sync.Mutex
	prompts []string
}

func (f *fakeImage) Generate(_ context.Context, prompt, _, _ string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.url, f.err
}

type fakeAudio struct {
	err error

	mu    sync.Mutex
	texts []string
}

func (f *fakeAudio) Synthesize(_ context.Context, text, _, _, _ string) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "audio://" + text, nil
}

// fakeLog records run log calls; stage calls arrive concurrently from the
// parallel phase.
type fakeLog struct {
	mu        sync.Mutex
	created   []*Run
	completed []*Run
	stages    map[Stage]StageStatus
}

func newFakeLog() *fakeLog {
	return &fakeLog{stages: make(map[Stage]StageStatus)}
}

func (f *fakeLog) CreateRun(_ context.Context, run *Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, run)
	return nil
}

func (f *fakeLog) StartStage(_ context.Context, rec *StageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[rec.Stage] = rec.Status
	return nil
}

func (f *fakeLog) CompleteStage(_ context.Context, rec *StageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[rec.Stage] = rec.Status
	return nil
}

func (f *fakeLog) SkipStage(_ context.Context, rec *StageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[rec.Stage] = rec.Status
	return nil
}

func (f *fakeLog) CompleteRun(_ context.Context, run *Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, run)
	return nil
}

func (f *fakeLog) stageStatus(s Stage) StageStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stages[s]
}

func (f *fakeLog) finalStatus() RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completed) == 0 {
		return ""
	}
	return f.completed[len(f.completed)-1].Status
}

type fakeSessions struct {
	mu    sync.Mutex
	saved []*chat.Session
}

func (f *fakeSessions) Save(_ context.Context, s *chat.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, s)
	return nil
}

// =============================================================================
// TEST HARNESS
// =============================================================================

func testRequest() Request {
	return Request{
		Session:     &chat.Session{ID: "sess-1"},
		UserMessage: "I enter the library.",
		Card:        &character.Card{ID: "mira", Name: "Mira"},
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	if len(out) == 0 {
		t.Fatal("no events received")
	}
	return out
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func terminalEvent(t *testing.T, events []Event) Event {
	t.Helper()
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event %+v is not terminal", last)
	}
	return last
}

// =============================================================================
// ORCHESTRATION TESTS
// =============================================================================

func TestRun_Success(t *testing.T) {
	defer goleak.VerifyNone(t)

	narrative := `The shelves tower above. Mira: "hello there"`
	log := newFakeLog()
	sessions := &fakeSessions{}
	audio := &fakeAudio{}
	image := &fakeImage{url: "img://scene"}

	orch := New(Config{EnablePaint: true, EnableTTS: true}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"out", "line"}},
		WriterLLM:   &fakeLLM{chunks: []string{"The shelves tower above. ", `Mira: "hello there"`}},
		PainterLLM:  &fakeLLM{chunks: []string{"a vast library interior"}},
		Image:       image,
		Audio:       audio,
		Log:         log,
		Sessions:    sessions,
	}, nil)

	req := testRequest()
	events, err := orch.Run(t.Context(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	if all[0].Kind != EventRunStarted {
		t.Errorf("first event = %v, want run started", all[0].Kind)
	}
	if term := terminalEvent(t, all); term.Kind != EventRunComplete {
		t.Errorf("terminal = %+v, want run complete", term)
	}

	// Every writer chunk is delivered and their concatenation is the
	// narrative shown to the user.
	var streamed, paintStreamed strings.Builder
	for _, ev := range eventsOfKind(all, EventChunk) {
		switch ev.Stage {
		case StageWriter:
			streamed.WriteString(ev.Content)
		case StagePaintDirector:
			paintStreamed.WriteString(ev.Content)
		}
	}
	if streamed.String() != narrative {
		t.Errorf("streamed %q, want %q", streamed.String(), narrative)
	}
	if paintStreamed.String() != "a vast library interior" {
		t.Errorf("paint chunks %q, want the full image prompt", paintStreamed.String())
	}
	display := eventsOfKind(all, EventDisplayText)
	if len(display) != 1 || display[0].Content != narrative {
		t.Errorf("display text = %+v", display)
	}

	if outline := eventsOfKind(all, EventOutline); len(outline) != 1 || outline[0].Content != "outline" {
		t.Errorf("outline = %+v", outline)
	}
	if imgs := eventsOfKind(all, EventImage); len(imgs) != 1 || imgs[0].ImageURL != "img://scene" {
		t.Errorf("image = %+v", imgs)
	}

	if got := log.finalStatus(); got != RunSuccess {
		t.Errorf("run status = %v, want success", got)
	}
	for _, s := range []Stage{StageDirector, StageWriter, StagePaintDirector, StageTTS} {
		if got := log.stageStatus(s); got != StageSuccess {
			t.Errorf("stage %s status = %v, want success", s, got)
		}
	}

	// Session got the user turn and the assistant turn with media attached.
	if len(req.Session.Messages) != 2 {
		t.Fatalf("session messages = %d, want 2", len(req.Session.Messages))
	}
	reply := req.Session.Messages[1]
	if reply.Role != chat.RoleAssistant || reply.ImageURL != "img://scene" || len(reply.Audio) != 1 {
		t.Errorf("assistant message %+v", reply)
	}
	if len(sessions.saved) != 1 {
		t.Errorf("session saved %d times, want 1", len(sessions.saved))
	}
}

func TestRun_DirectorFailureIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newFakeLog()
	writer := &fakeLLM{chunks: []string{"never"}}
	orch := New(Config{}, Adapters{
		DirectorLLM: &fakeLLM{startErr: errors.New("upstream down")},
		WriterLLM:   writer,
		Log:         log,
	}, nil)

	req := testRequest()
	events, err := orch.Run(t.Context(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	term := terminalEvent(t, all)
	if term.Kind != EventError || term.Stage != "" {
		t.Errorf("terminal = %+v, want run-level error", term)
	}
	if len(eventsOfKind(all, EventRunComplete)) != 0 {
		t.Error("failed run must not emit run complete")
	}

	// Downstream stages never ran.
	writer.mu.Lock()
	sawWriter := writer.messages != nil
	writer.mu.Unlock()
	if sawWriter {
		t.Error("writer must not run after director failure")
	}
	if got := log.finalStatus(); got != RunError {
		t.Errorf("run status = %v, want error", got)
	}

	// The user's turn still lands in the session, with no assistant reply.
	if len(req.Session.Messages) != 1 || req.Session.Messages[0].Role != chat.RoleUser {
		t.Errorf("session messages = %+v, want just the user turn", req.Session.Messages)
	}
}

func TestRun_WriterFailureIsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newFakeLog()
	orch := New(Config{}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"outline"}},
		WriterLLM:   &fakeLLM{streamErr: errors.New("mid-stream failure")},
		Log:         log,
	}, nil)

	events, err := orch.Run(t.Context(), testRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	if term := terminalEvent(t, all); term.Kind != EventError {
		t.Errorf("terminal = %+v, want error", term)
	}
	if got := log.finalStatus(); got != RunError {
		t.Errorf("run status = %v, want error (no narrative)", got)
	}
}

func TestRun_PaintFailureIsPartial(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newFakeLog()
	orch := New(Config{EnablePaint: true}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"outline"}},
		WriterLLM:   &fakeLLM{chunks: []string{"the story"}},
		PainterLLM:  &fakeLLM{chunks: []string{"a prompt"}},
		Image:       &fakeImage{err: errors.New("image service down")},
		Log:         log,
	}, nil)

	req := testRequest()
	events, err := orch.Run(t.Context(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	// The paint failure surfaces as a stage-scoped error, not a terminal one.
	stageErrs := eventsOfKind(all, EventError)
	foundPaint := false
	for _, ev := range stageErrs {
		if ev.Stage == StagePaintDirector {
			foundPaint = true
		}
		if ev.Stage == "" {
			t.Errorf("unexpected run-level error: %+v", ev)
		}
	}
	if !foundPaint {
		t.Error("paint stage error not reported")
	}

	if term := terminalEvent(t, all); term.Kind != EventRunComplete {
		t.Errorf("terminal = %+v, want run complete", term)
	}
	if got := log.finalStatus(); got != RunPartial {
		t.Errorf("run status = %v, want partial", got)
	}
	// The narrative still reached the session.
	if len(req.Session.Messages) != 2 {
		t.Errorf("session messages = %d, want 2", len(req.Session.Messages))
	}
}

func TestRun_DisabledStagesSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newFakeLog()
	orch := New(Config{}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"outline"}},
		WriterLLM:   &fakeLLM{chunks: []string{"the story"}},
		Log:         log,
	}, nil)

	events, err := orch.Run(t.Context(), testRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	skipped := eventsOfKind(all, EventStageSkipped)
	if len(skipped) != 2 {
		t.Fatalf("skipped = %d events, want paint and tts", len(skipped))
	}
	if log.stageStatus(StagePaintDirector) != StageSkipped || log.stageStatus(StageTTS) != StageSkipped {
		t.Error("skipped stages not recorded as skipped")
	}
	// Skipping optional stages does not taint the run.
	if got := log.finalStatus(); got != RunSuccess {
		t.Errorf("run status = %v, want success", got)
	}
}

func TestRun_TTSDeduplicatesDialogue(t *testing.T) {
	defer goleak.VerifyNone(t)

	// The same spoken line appears twice; it must be synthesized once.
	narrative := `Mira: "again" and later Mira: "again" and Rin: "fresh"`
	audio := &fakeAudio{}
	orch := New(Config{EnableTTS: true}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"outline"}},
		WriterLLM:   &fakeLLM{chunks: []string{narrative}},
		Audio:       audio,
		Log:         newFakeLog(),
	}, nil)

	events, err := orch.Run(t.Context(), testRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	audio.mu.Lock()
	texts := append([]string(nil), audio.texts...)
	audio.mu.Unlock()
	if len(texts) != 2 {
		t.Fatalf("synthesized %v, want 2 unique lines", texts)
	}

	refs := eventsOfKind(all, EventAudio)
	if len(refs) != 1 || len(refs[0].Audio) != 2 {
		t.Errorf("audio events = %+v", refs)
	}
}

func TestRun_TTSLineFailureDropsLine(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newFakeLog()
	orch := New(Config{EnableTTS: true}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"outline"}},
		WriterLLM:   &fakeLLM{chunks: []string{`Mira: "hello"`}},
		Audio:       &fakeAudio{err: errors.New("voice missing")},
		Log:         log,
	}, nil)

	events, err := orch.Run(t.Context(), testRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	all := collect(t, events)

	if len(eventsOfKind(all, EventAudio)) != 0 {
		t.Error("no audio event expected when every line fails")
	}
	// Dropped lines do not fail the stage or the run.
	if log.stageStatus(StageTTS) != StageSuccess {
		t.Errorf("tts status = %v, want success", log.stageStatus(StageTTS))
	}
	if got := log.finalStatus(); got != RunSuccess {
		t.Errorf("run status = %v, want success", got)
	}
}

func TestRun_MissingRequiredLLMs(t *testing.T) {
	orch := New(Config{}, Adapters{}, nil)
	_, err := orch.Run(t.Context(), testRequest())
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("err = %v, want precondition failure", err)
	}
}

func TestRun_AbortKeepsPartialOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newFakeLog()
	orch := New(Config{}, Adapters{
		DirectorLLM: &fakeLLM{chunks: []string{"outline"}},
		WriterLLM:   &hangingLLM{first: "partial text"},
		Log:         log,
	}, nil)

	req := testRequest()
	events, err := orch.Run(t.Context(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	var all []Event
	aborted := false
	for ev := range events {
		all = append(all, ev)
		if !aborted && ev.Kind == EventChunk && ev.Stage == StageWriter {
			// The stream is stalled now; abort and expect completion.
			if !orch.Abort(req.Session.ID) {
				t.Error("Abort found no in-flight run")
			}
			aborted = true
		}
	}

	if term := terminalEvent(t, all); term.Kind != EventRunComplete {
		t.Errorf("terminal = %+v, want run complete", term)
	}
	if got := log.finalStatus(); got != RunSuccess {
		t.Errorf("run status = %v, want success with partial narrative", got)
	}
	if len(req.Session.Messages) != 2 || req.Session.Messages[1].Content != "partial text" {
		t.Errorf("partial narrative not kept: %+v", req.Session.Messages)
	}
}

func TestAbort_NoRunInFlight(t *testing.T) {
	orch := New(Config{}, Adapters{DirectorLLM: &fakeLLM{}, WriterLLM: &fakeLLM{}}, nil)
	if orch.Abort("nobody") {
		t.Error("Abort must report false for unknown sessions")
	}
}
