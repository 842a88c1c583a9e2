package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"storyloom/internal/character"
	"storyloom/internal/chat"
	"storyloom/internal/llm"
	"storyloom/internal/pipeline"
	"storyloom/internal/rewrite"
	"storyloom/internal/runlog"
)

var (
	runCharacterPath string
	runWorldbooks    []string
	runConfigPath    string
	runSessionID     string
)

// runCmd executes one pipeline turn and streams its events to the terminal.
var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Run one pipeline turn for a message",
	Long: `Run executes the full stage graph for one user message: director,
writer and paint director in parallel, then tts. The writer's narrative
streams to stdout as it is generated.

Press Ctrl-C once to abort the active LLM stream (the partial text is
kept); press it again to cancel the run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCharacterPath, "character", "c", "", "character card YAML file")
	runCmd.Flags().StringSliceVarP(&runWorldbooks, "worldbook", "w", nil, "worldbook YAML file (repeatable)")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "pipeline config YAML file")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "session ID to continue (new session when empty)")
}

func executeRun(ctx context.Context, message string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	card, err := loadCard(runCharacterPath)
	if err != nil {
		return err
	}
	book, err := loadBooks(runWorldbooks)
	if err != nil {
		return err
	}

	key := resolveAPIKey()
	if key == "" {
		return errors.New("no API key: set --api-key or GEMINI_API_KEY")
	}

	director, err := llm.NewClient(key, cfg.DirectorModel)
	if err != nil {
		return err
	}
	writer, err := llm.NewClient(key, cfg.WriterModel)
	if err != nil {
		return err
	}
	var painter pipeline.LLMClient
	if cfg.Pipeline.EnablePaint {
		p, err := llm.NewClient(key, cfg.PainterModel)
		if err != nil {
			return err
		}
		painter = p
	}

	store, err := runlog.NewStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := chat.NewFileStore(filepath.Join(dataDir, "sessions"))
	if err != nil {
		return err
	}
	session, err := resolveSession(ctx, sessions, card)
	if err != nil {
		return err
	}

	orch := pipeline.New(cfg.Pipeline, pipeline.Adapters{
		DirectorLLM: director,
		WriterLLM:   writer,
		PainterLLM:  painter,
		Log:         store,
		Sessions:    sessions,
	}, rewrite.NewRuleSet(cfg.RewriteRules))

	// First interrupt aborts the stream, second cancels the run outright.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		select {
		case <-interrupts:
			orch.Abort(session.ID)
		case <-runCtx.Done():
			return
		}
		select {
		case <-interrupts:
			cancel()
		case <-runCtx.Done():
		}
	}()

	events, err := orch.Run(runCtx, pipeline.Request{
		Session:     session,
		UserMessage: message,
		Card:        card,
		Book:        book,
	})
	if err != nil {
		return err
	}

	return renderEvents(events, session.ID)
}

// resolveSession loads the requested session or starts a new one.
func resolveSession(ctx context.Context, sessions *chat.FileStore, card *character.Card) (*chat.Session, error) {
	if runSessionID != "" {
		session, err := sessions.Load(ctx, runSessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", runSessionID, err)
		}
		return session, nil
	}
	now := time.Now().UTC()
	return &chat.Session{
		ID:            uuid.NewString(),
		CharacterName: card.DisplayName(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// renderEvents prints the event stream: writer chunks inline, everything
// else as status lines.
func renderEvents(events <-chan pipeline.Event, sessionID string) error {
	var runErr error
	streaming := false
	endStream := func() {
		if streaming {
			fmt.Println()
			streaming = false
		}
	}

	for ev := range events {
		switch ev.Kind {
		case pipeline.EventRunStarted:
			fmt.Printf("-- run %s (session %s)\n", ev.RunID, sessionID)
		case pipeline.EventChunk:
			if ev.Stage == pipeline.StageWriter {
				fmt.Print(ev.Content)
				streaming = true
			}
		case pipeline.EventOutline:
			fmt.Println("-- outline ready")
		case pipeline.EventStageComplete:
			endStream()
			fmt.Printf("-- %s done (%s)\n", ev.Stage, ev.Duration.Round(time.Millisecond))
		case pipeline.EventStageSkipped:
			fmt.Printf("-- %s skipped: %s\n", ev.Stage, ev.Content)
		case pipeline.EventImage:
			fmt.Printf("-- image: %s\n", ev.ImageURL)
		case pipeline.EventAudio:
			fmt.Printf("-- audio: %d lines\n", len(ev.Audio))
		case pipeline.EventError:
			endStream()
			if ev.Stage == "" {
				runErr = errors.New(ev.Err)
			} else {
				fmt.Printf("-- %s failed: %s\n", ev.Stage, ev.Err)
			}
		case pipeline.EventRunComplete:
			endStream()
			fmt.Printf("-- complete (%s)\n", ev.Duration.Round(time.Millisecond))
		}
	}
	return runErr
}
