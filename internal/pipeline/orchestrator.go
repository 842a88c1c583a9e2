package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"storyloom/internal/character"
	"storyloom/internal/chat"
	"storyloom/internal/logging"
	"storyloom/internal/lore"
	"storyloom/internal/prompt"
	"storyloom/internal/rewrite"
)

// ErrPreconditionFailed wraps configuration problems that prevent a run
// from starting at all. It is returned from Run before any stage begins and
// never appears as a stage error.
var ErrPreconditionFailed = errors.New("pipeline precondition failed")

// Request is one pipeline invocation: the user's message plus the session
// context it lands in. The orchestrator reads History from the session as
// it stood before this message.
type Request struct {
	Session     *chat.Session
	UserMessage string
	Card        *character.Card
	Book        *lore.Book
}

// Orchestrator runs the fixed four-stage topology. One orchestrator may
// serve many runs; per-run state is confined to the run itself.
type Orchestrator struct {
	cfg       Config
	adapters  Adapters
	assembler *prompt.Assembler
	rules     *rewrite.RuleSet
	aborts    *abortRegistry
}

// New creates an orchestrator. rules may be nil when no rewrite rules are
// configured.
func New(cfg Config, adapters Adapters, rules *rewrite.RuleSet) *Orchestrator {
	if rules == nil {
		rules = rewrite.NewRuleSet(nil)
	}
	return &Orchestrator{
		cfg:       cfg,
		adapters:  adapters,
		assembler: prompt.NewAssembler(),
		rules:     rules,
		aborts:    newAbortRegistry(),
	}
}

// Abort requests that the active streaming LLM call for a session stop
// consuming chunks. The partial output becomes that stage's final output;
// other stages are unaffected. Returns false when no run is in flight for
// the session.
func (o *Orchestrator) Abort(sessionID string) bool {
	return o.aborts.signal(sessionID)
}

// Run starts one pipeline invocation and returns its event stream. Missing
// director or writer LLM configuration is a precondition failure returned
// here; the stream is never opened in that case. The returned channel is
// closed after the terminal event.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan Event, error) {
	var missing []string
	if o.adapters.DirectorLLM == nil {
		missing = append(missing, "director LLM")
	}
	if o.adapters.WriterLLM == nil {
		missing = append(missing, "writer LLM")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrPreconditionFailed, strings.Join(missing, ", "))
	}
	if req.Session == nil {
		return nil, fmt.Errorf("%w: no session", ErrPreconditionFailed)
	}

	events := make(chan Event, 64)
	go o.execute(ctx, req, events)
	return events, nil
}

// execute drives one run to completion. It is the only writer of the run's
// records; the parallel phase partitions stage records between the two
// goroutines and rejoins before anything else reads them.
func (o *Orchestrator) execute(ctx context.Context, req Request, events chan<- Event) {
	defer close(events)

	log := logging.L(logging.CategoryPipeline)

	characterID := ""
	if req.Card != nil {
		characterID = req.Card.ID
	}
	history := make([]chat.Message, len(req.Session.Messages))
	copy(history, req.Session.Messages)

	run := newRun(req.Session.ID, characterID, req.UserMessage)
	emit := func(ev Event) {
		ev.RunID = run.ID
		events <- ev
	}

	abortCh := o.aborts.register(req.Session.ID)
	defer o.aborts.evict(req.Session.ID)

	o.sinkCreateRun(ctx, run)
	emit(Event{Kind: EventRunStarted})
	log.Infow("run started", "run", run.ID, "session", req.Session.ID)

	opts := prompt.Options{UserName: o.cfg.UserName, UserPersona: o.cfg.UserPersona}

	// ----- Stage 1: director -----

	dirRec := run.StageRecordFor(StageDirector)
	emit(Event{Kind: EventStageStarted, Stage: StageDirector})

	dirMessages := o.stageMessages(req, o.cfg.DirectorPreset, history, req.UserMessage, defaultDirectorPrompt, opts)
	dirRec.start(messagesText(dirMessages), estimateMessages(dirMessages))
	o.sinkStartStage(ctx, dirRec)

	outline, err := o.streamLLM(ctx, abortCh, o.adapters.DirectorLLM, dirMessages,
		paramsFromPreset(o.cfg.DirectorPreset), StageDirector, emit)
	if err != nil {
		dirRec.fail(err, outline)
		o.sinkCompleteStage(ctx, dirRec)
		run.ErrText = fmt.Sprintf("director stage failed: %v", err)
		run.finalize()
		o.sinkCompleteRun(ctx, run)
		o.updateSession(ctx, req, run, "")
		log.Errorw("director failed, run aborted", "run", run.ID, "error", err)
		emit(Event{Kind: EventError, Err: run.ErrText})
		return
	}

	run.Outline = outline
	dirRec.complete(outline, prompt.EstimateTokens(outline))
	o.sinkCompleteStage(ctx, dirRec)
	emit(Event{Kind: EventOutline, Content: outline})
	emit(Event{Kind: EventStageComplete, Stage: StageDirector, Duration: dirRec.Duration()})

	// The outline feeds two prompts; filter it before fan-out.
	outline = o.rulesFor(o.cfg.DirectorPreset).Apply(outline, rewrite.Scope{
		Stage:  rewrite.StageDirector,
		Target: rewrite.TargetPrompt,
	})

	// ----- Stages 2 & 3: writer and paint-director, concurrent -----

	writerRec := run.StageRecordFor(StageWriter)
	paintRec := run.StageRecordFor(StagePaintDirector)

	emit(Event{Kind: EventStageStarted, Stage: StageWriter})
	if o.cfg.EnablePaint {
		emit(Event{Kind: EventStageStarted, Stage: StagePaintDirector})
	} else {
		paintRec.skip("disabled")
		o.sinkSkipStage(ctx, paintRec)
		emit(Event{Kind: EventStageSkipped, Stage: StagePaintDirector, Content: "disabled"})
	}

	merged := make(chan Event, 16)
	sink := func(ev Event) { merged <- ev }

	var g errgroup.Group

	g.Go(func() error {
		o.runWriter(ctx, abortCh, req, run, writerRec, history, outline, opts, sink)
		return nil
	})
	if o.cfg.EnablePaint {
		g.Go(func() error {
			o.runPaintDirector(ctx, abortCh, req, run, paintRec, history, outline, opts, sink)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(merged)
	}()

	// Drain until both producers are done; channel close is the completion
	// signal, so no residual events can be lost.
	for ev := range merged {
		emit(ev)
	}

	// ----- Stage 4: tts -----

	ttsRec := run.StageRecordFor(StageTTS)
	if !o.cfg.EnableTTS || o.adapters.Audio == nil {
		ttsRec.skip("disabled")
		o.sinkSkipStage(ctx, ttsRec)
		emit(Event{Kind: EventStageSkipped, Stage: StageTTS, Content: "disabled"})
	} else {
		emit(Event{Kind: EventStageStarted, Stage: StageTTS})
		o.runTTS(ctx, req, run, ttsRec, emit)
	}

	// ----- Completion -----

	run.finalize()
	o.sinkCompleteRun(ctx, run)

	var display string
	if run.Narrative != "" {
		display = o.rules.Apply(run.Narrative, rewrite.Scope{
			Target: rewrite.TargetDisplay,
			Role:   "assistant",
			Depth:  0,
		})
	}
	o.updateSession(ctx, req, run, display)
	if display != "" {
		emit(Event{Kind: EventDisplayText, Content: display})
	}

	in, out := run.TotalTokens()
	log.Infow("run finished",
		"run", run.ID, "status", run.Status,
		"duration", run.Duration(), "tokens_in", in, "tokens_out", out)

	if run.Status == RunError {
		if run.ErrText == "" {
			run.ErrText = "no narrative produced"
		}
		emit(Event{Kind: EventError, Err: run.ErrText})
		return
	}
	emit(Event{Kind: EventRunComplete, Duration: run.Duration()})
}

// runWriter executes the writer stage, pushing chunk and completion events
// into the merged channel. A failure is recorded on the stage and does not
// affect the paint-director.
func (o *Orchestrator) runWriter(
	ctx context.Context,
	abortCh <-chan struct{},
	req Request,
	run *Run,
	rec *StageRecord,
	history []chat.Message,
	outline string,
	opts prompt.Options,
	sink func(Event),
) {
	userTurn := "Based on this scene outline, write the narrative:\n\n" + outline
	messages := o.stageMessages(req, o.cfg.WriterPreset, history, userTurn,
		defaultWriterPrompt(req.Card.DisplayName()), opts)

	rec.start(messagesText(messages), estimateMessages(messages))
	o.sinkStartStage(ctx, rec)

	text, err := o.streamLLM(ctx, abortCh, o.adapters.WriterLLM, messages,
		paramsFromPreset(o.cfg.WriterPreset), StageWriter, sink)
	if err != nil {
		rec.fail(err, text)
		o.sinkCompleteStage(ctx, rec)
		sink(Event{Kind: EventError, Stage: StageWriter, Err: err.Error()})
		sink(Event{Kind: EventStageComplete, Stage: StageWriter, Duration: rec.Duration()})
		return
	}

	run.Narrative = text
	rec.complete(text, prompt.EstimateTokens(text))
	o.sinkCompleteStage(ctx, rec)
	sink(Event{Kind: EventStageComplete, Stage: StageWriter, Duration: rec.Duration()})
}

// runPaintDirector streams an image prompt, filters it, and calls the image
// adapter. Missing painter/image configuration is a stage error with a
// readable cause; the run continues without an image.
func (o *Orchestrator) runPaintDirector(
	ctx context.Context,
	abortCh <-chan struct{},
	req Request,
	run *Run,
	rec *StageRecord,
	history []chat.Message,
	outline string,
	opts prompt.Options,
	sink func(Event),
) {
	failStage := func(err error, partial string) {
		rec.fail(err, partial)
		o.sinkCompleteStage(ctx, rec)
		sink(Event{Kind: EventError, Stage: StagePaintDirector, Err: err.Error()})
		sink(Event{Kind: EventStageComplete, Stage: StagePaintDirector, Duration: rec.Duration()})
	}

	if o.adapters.PainterLLM == nil {
		rec.start("", 0)
		failStage(errors.New("paint director LLM not configured"), "")
		return
	}
	if o.adapters.Image == nil {
		rec.start("", 0)
		failStage(errors.New("image generation not configured"), "")
		return
	}

	messages := o.stageMessages(req, o.cfg.PainterPreset, history, outline, defaultPainterPrompt, opts)
	rec.start(messagesText(messages), estimateMessages(messages))
	o.sinkStartStage(ctx, rec)

	imagePrompt, err := o.streamLLM(ctx, abortCh, o.adapters.PainterLLM, messages,
		paramsFromPreset(o.cfg.PainterPreset), StagePaintDirector, sink)
	if err != nil {
		failStage(err, imagePrompt)
		return
	}

	imagePrompt = o.rulesFor(o.cfg.PainterPreset).Apply(imagePrompt, rewrite.Scope{
		Stage:  rewrite.StagePaintDirector,
		Target: rewrite.TargetPrompt,
	})
	imagePrompt = strings.TrimSpace(imagePrompt)
	run.ImagePrompt = imagePrompt

	url, err := o.adapters.Image.Generate(ctx, imagePrompt, req.Session.ID, o.cfg.ImageConfigID)
	if err != nil {
		logging.L(logging.CategoryImage).Warnw("image generation failed",
			"run", run.ID, "error", err)
		failStage(fmt.Errorf("image generation failed: %w", err), imagePrompt)
		return
	}

	run.ImageURL = url
	rec.complete(imagePrompt, prompt.EstimateTokens(imagePrompt))
	o.sinkCompleteStage(ctx, rec)
	sink(Event{Kind: EventImage, Stage: StagePaintDirector, ImageURL: url, Content: imagePrompt})
	sink(Event{Kind: EventStageComplete, Stage: StagePaintDirector, Duration: rec.Duration()})
}

// runTTS extracts dialogue from the narrative and synthesizes each line.
// Per-line failures drop the line, never the stage.
func (o *Orchestrator) runTTS(ctx context.Context, req Request, run *Run, rec *StageRecord, emit func(Event)) {
	log := logging.L(logging.CategoryTTS)

	rec.start(run.Narrative, prompt.EstimateTokens(run.Narrative))
	o.sinkStartStage(ctx, rec)

	dialogues := ExtractDialogues(run.Narrative)
	var results []chat.AudioRef
	for _, d := range dialogues {
		url, err := o.adapters.Audio.Synthesize(ctx, d.Text, d.Character, req.Session.ID, o.cfg.TTSConfigID)
		if err != nil {
			log.Warnw("dialogue synthesis failed, line dropped",
				"character", d.Character, "error", err)
			continue
		}
		results = append(results, chat.AudioRef{
			Character: d.Character,
			Emotion:   d.Emotion,
			AudioURL:  url,
		})
	}

	run.Audio = results
	rec.complete(fmt.Sprintf("%d audio lines", len(results)), 0)
	o.sinkCompleteStage(ctx, rec)

	if len(results) > 0 {
		emit(Event{Kind: EventAudio, Stage: StageTTS, Audio: results})
	}
	emit(Event{Kind: EventStageComplete, Stage: StageTTS, Duration: rec.Duration()})
}

// streamLLM consumes a streaming completion, forwarding each chunk as an
// event. An abort signal between chunks stops consumption and returns the
// partial text as final output.
func (o *Orchestrator) streamLLM(
	ctx context.Context,
	abortCh <-chan struct{},
	client LLMClient,
	messages []chat.Message,
	params LLMParams,
	stage Stage,
	sink func(Event),
) (string, error) {
	stream, err := client.StreamCompletion(ctx, messages, params)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case <-abortCh:
			logging.L(logging.CategoryPipeline).Infow("stream aborted", "stage", stage)
			return b.String(), nil
		case chunk, ok := <-stream:
			if !ok {
				return b.String(), nil
			}
			if chunk.Err != nil {
				return b.String(), chunk.Err
			}
			b.WriteString(chunk.Text)
			sink(Event{Kind: EventChunk, Stage: stage, Content: chunk.Text})
		}
	}
}

// stageMessages assembles the message list for one stage: expanded preset
// as the system prompt (or the stage fallback when empty), history with
// depth injections, then the stage's user turn.
func (o *Orchestrator) stageMessages(
	req Request,
	preset *prompt.Preset,
	history []chat.Message,
	userTurn, fallback string,
	opts prompt.Options,
) []chat.Message {
	res := o.assembler.Assemble(req.Card, req.Book, preset, history, opts)

	system := res.SystemPrompt()
	if system == "" {
		system = fallback
	}

	messages := make([]chat.Message, 0, len(history)+2)
	messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: system})
	messages = append(messages, chat.InjectAtDepth(history, res.Injections)...)
	messages = append(messages, chat.Message{Role: chat.RoleUser, Content: userTurn})
	return messages
}

// rulesFor narrows the rule set to a preset's selection when it names one.
func (o *Orchestrator) rulesFor(p *prompt.Preset) *rewrite.RuleSet {
	if p == nil || len(p.RegexRuleIDs) == 0 {
		return o.rules
	}
	return o.rules.Select(p.RegexRuleIDs)
}

// updateSession appends the user turn and, when a narrative exists, the
// display-ready assistant turn with its image and audio references.
func (o *Orchestrator) updateSession(ctx context.Context, req Request, run *Run, display string) {
	req.Session.Append(chat.NewMessage(chat.RoleUser, req.UserMessage))

	if run.Narrative != "" {
		msg := chat.NewMessage(chat.RoleAssistant, display)
		msg.ImageURL = run.ImageURL
		msg.ImagePrompt = run.ImagePrompt
		msg.Audio = run.Audio
		req.Session.Append(msg)
	}

	if o.adapters.Sessions == nil {
		return
	}
	if err := o.adapters.Sessions.Save(ctx, req.Session); err != nil {
		logging.L(logging.CategorySession).Warnw("session save failed",
			"session", req.Session.ID, "error", err)
	}
}

// ----- RunLog plumbing: fire-and-forget, failures only logged -----

func (o *Orchestrator) sinkCreateRun(ctx context.Context, run *Run) {
	if o.adapters.Log == nil {
		return
	}
	if err := o.adapters.Log.CreateRun(ctx, run); err != nil {
		logging.L(logging.CategoryRunLog).Warnw("create run record failed", "error", err)
	}
}

func (o *Orchestrator) sinkStartStage(ctx context.Context, rec *StageRecord) {
	if o.adapters.Log == nil {
		return
	}
	if err := o.adapters.Log.StartStage(ctx, rec); err != nil {
		logging.L(logging.CategoryRunLog).Warnw("start stage record failed", "stage", rec.Stage, "error", err)
	}
}

func (o *Orchestrator) sinkCompleteStage(ctx context.Context, rec *StageRecord) {
	if o.adapters.Log == nil {
		return
	}
	if err := o.adapters.Log.CompleteStage(ctx, rec); err != nil {
		logging.L(logging.CategoryRunLog).Warnw("complete stage record failed", "stage", rec.Stage, "error", err)
	}
}

func (o *Orchestrator) sinkSkipStage(ctx context.Context, rec *StageRecord) {
	if o.adapters.Log == nil {
		return
	}
	if err := o.adapters.Log.SkipStage(ctx, rec); err != nil {
		logging.L(logging.CategoryRunLog).Warnw("skip stage record failed", "stage", rec.Stage, "error", err)
	}
}

func (o *Orchestrator) sinkCompleteRun(ctx context.Context, run *Run) {
	if o.adapters.Log == nil {
		return
	}
	if err := o.adapters.Log.CompleteRun(ctx, run); err != nil {
		logging.L(logging.CategoryRunLog).Warnw("complete run record failed", "error", err)
	}
}

// messagesText flattens a message list for telemetry capture.
func messagesText(messages []chat.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, string(m.Role)+": "+m.Content)
	}
	return strings.Join(parts, "\n")
}

// estimateMessages sums the token estimate across a message list.
func estimateMessages(messages []chat.Message) int {
	total := 0
	for _, m := range messages {
		total += prompt.EstimateTokens(m.Content)
	}
	return total
}
