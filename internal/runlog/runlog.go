// Package runlog persists pipeline run telemetry to SQLite. Every run and
// every stage within it gets a row, written incrementally as the pipeline
// progresses, so a crashed run still leaves its partial trail behind.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"storyloom/internal/chat"
	"storyloom/internal/pipeline"
)

// Store records runs and stage logs. It implements pipeline.RunLog.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewStore creates or opens the run log database under dir.
func NewStore(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "runlog.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	-- One row per pipeline invocation
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		character_id TEXT,
		user_message TEXT,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		outline TEXT,
		narrative TEXT,
		image_url TEXT,
		image_prompt TEXT,
		audio_json TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	-- One row per stage within a run
	CREATE TABLE IF NOT EXISTS stage_logs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		input TEXT,
		output TEXT,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_stage_logs_run ON stage_logs(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts the initial row for a freshly started run.
func (s *Store) CreateRun(ctx context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, character_id, user_message, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.CharacterID, run.UserMessage,
		string(run.Status), run.StartedAt,
	)
	return err
}

// StartStage inserts the stage row as it begins executing.
func (s *Store) StartStage(ctx context.Context, rec *pipeline.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_logs (id, run_id, stage, status, started_at, input, tokens_in)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, string(rec.Stage), string(rec.Status),
		rec.StartedAt, rec.Input, rec.TokensIn,
	)
	return err
}

// CompleteStage updates the stage row with its terminal state, success or
// error alike.
func (s *Store) CompleteStage(ctx context.Context, rec *pipeline.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE stage_logs
		SET status = ?, ended_at = ?, output = ?, tokens_out = ?, error = ?
		WHERE id = ?`,
		string(rec.Status), rec.EndedAt, rec.Output, rec.TokensOut,
		nullEmpty(rec.ErrText), rec.ID,
	)
	return err
}

// SkipStage inserts a skipped stage row. Skipped stages never started, so
// this is an insert rather than an update.
func (s *Store) SkipStage(ctx context.Context, rec *pipeline.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_logs (id, run_id, stage, status, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, string(rec.Stage), string(rec.Status),
		rec.EndedAt, nullEmpty(rec.ErrText),
	)
	return err
}

// CompleteRun updates the run row with its terminal state and outputs.
func (s *Store) CompleteRun(ctx context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	audioJSON, err := marshalAudio(run.Audio)
	if err != nil {
		return fmt.Errorf("failed to encode audio refs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, outline = ?, narrative = ?,
		    image_url = ?, image_prompt = ?, audio_json = ?, error = ?
		WHERE id = ?`,
		string(run.Status), run.EndedAt, run.Outline, run.Narrative,
		run.ImageURL, run.ImagePrompt, audioJSON, nullEmpty(run.ErrText),
		run.ID,
	)
	return err
}

// RunSummary is the queryable shape of one logged run.
type RunSummary struct {
	ID          string
	SessionID   string
	CharacterID string
	Status      string
	StartedAt   time.Time
	EndedAt     time.Time
	Narrative   string
	ImageURL    string
	Error       string
}

// StageSummary is the queryable shape of one logged stage.
type StageSummary struct {
	Stage     string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
	TokensIn  int
	TokensOut int
	Error     string
}

// GetRun fetches one run row by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, character_id, status, started_at, ended_at,
		       COALESCE(narrative, ''), COALESCE(image_url, ''), COALESCE(error, '')
		FROM runs WHERE id = ?`, runID)

	sum, err := scanRun(row.Scan)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func scanRun(scan func(dest ...any) error) (RunSummary, error) {
	var sum RunSummary
	var ended sql.NullTime
	err := scan(&sum.ID, &sum.SessionID, &sum.CharacterID, &sum.Status,
		&sum.StartedAt, &ended, &sum.Narrative, &sum.ImageURL, &sum.Error)
	if err != nil {
		return RunSummary{}, err
	}
	if ended.Valid {
		sum.EndedAt = ended.Time
	}
	return sum, nil
}

// ListRuns returns the most recent runs for a session, newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID string, limit int) ([]RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, character_id, status, started_at, ended_at,
		       COALESCE(narrative, ''), COALESCE(image_url, ''), COALESCE(error, '')
		FROM runs WHERE session_id = ?
		ORDER BY started_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListStages returns the stage rows for a run in execution order.
func (s *Store) ListStages(ctx context.Context, runID string) ([]StageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, started_at, ended_at,
		       tokens_in, tokens_out, COALESCE(error, '')
		FROM stage_logs WHERE run_id = ?
		ORDER BY started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageSummary
	for rows.Next() {
		var sum StageSummary
		var started, ended sql.NullTime
		if err := rows.Scan(&sum.Stage, &sum.Status, &started, &ended,
			&sum.TokensIn, &sum.TokensOut, &sum.Error); err != nil {
			return nil, err
		}
		if started.Valid {
			sum.StartedAt = started.Time
		}
		if ended.Valid {
			sum.EndedAt = ended.Time
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func marshalAudio(refs []chat.AudioRef) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
