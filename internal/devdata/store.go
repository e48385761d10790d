// Package devdata keeps a local SQLite log of step runs and prompt sizes
// for later inspection.
package devdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/codefionn/autopilot/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// StepRecord is one finished step.
type StepRecord struct {
	ID         int64     `db:"id"`
	SessionID  string    `db:"session_id"`
	StepType   string    `db:"step_type"`
	Name       string    `db:"name"`
	Depth      int       `db:"depth"`
	Hidden     bool      `db:"hidden"`
	ErrorTitle string    `db:"error_title"`
	DurationMS int64     `db:"duration_ms"`
	CreatedAt  time.Time `db:"created_at"`
}

// PromptRecord is one request sent to a model.
type PromptRecord struct {
	ID           int64     `db:"id"`
	Model        string    `db:"model"`
	PromptTokens int       `db:"prompt_tokens"`
	CreatedAt    time.Time `db:"created_at"`
}

// Stats summarizes the log.
type Stats struct {
	Steps        int
	FailedSteps  int
	PromptTokens map[string]int // by model
}

// Store is the dev data database.
type Store struct {
	db   *sql.DB
	path string
	log  *logger.Logger
}

// Open opens or creates the database at path and migrates its schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dev data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dev data: %w", err)
	}
	// sqlite allows one writer; steps of all sessions record concurrently
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, log: logger.OrNop(log).WithPrefix("devdata")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize dev data schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS step_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_step_runs_session ON step_runs(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if err := s.addMissingColumns("step_runs", StepRecord{}); err != nil {
		return fmt.Errorf("step_runs: %w", err)
	}
	if err := s.addMissingColumns("prompts", PromptRecord{}); err != nil {
		return fmt.Errorf("prompts: %w", err)
	}
	return nil
}

// addMissingColumns adds a column for every db-tagged field of model the
// table does not have yet.
func (s *Store) addMissingColumns(table string, model interface{}) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, dtype      string
			dflt             interface{}
		)
		if err := rows.Scan(&cid, &name, &dtype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[strings.ToLower(name)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	t := reflect.TypeOf(model)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		column := strings.Split(field.Tag.Get("db"), ",")[0]
		if column == "" || column == "-" || existing[column] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqliteType(field.Type))
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add column %s: %w", column, err)
		}
	}
	return nil
}

func sqliteType(t reflect.Type) string {
	if t == reflect.TypeOf(time.Time{}) {
		return "DATETIME"
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		return "INTEGER NOT NULL DEFAULT 0"
	case reflect.Bool:
		return "BOOLEAN NOT NULL DEFAULT FALSE"
	case reflect.Float64, reflect.Float32:
		return "REAL"
	}
	return "TEXT NOT NULL DEFAULT ''"
}

// RecordStep stores rec. A zero CreatedAt is set to now.
func (s *Store) RecordStep(ctx context.Context, rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_runs (session_id, step_type, name, depth, hidden, error_title, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.StepType, rec.Name, rec.Depth, rec.Hidden, rec.ErrorTitle, rec.DurationMS, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record step %s: %w", rec.Name, err)
	}
	return nil
}

// RecordPrompt stores rec. A zero CreatedAt is set to now.
func (s *Store) RecordPrompt(ctx context.Context, rec PromptRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (model, prompt_tokens, created_at) VALUES (?, ?, ?)`,
		rec.Model, rec.PromptTokens, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record prompt: %w", err)
	}
	return nil
}

// PromptHook adapts the store to the models prompt hook. Failures are
// logged.
func (s *Store) PromptHook(model string, promptTokens int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.RecordPrompt(ctx, PromptRecord{Model: model, PromptTokens: promptTokens}); err != nil {
		s.log.Warn("%v", err)
	}
}

// Steps returns the steps of a session, oldest first. A non-positive
// limit returns all of them.
func (s *Store) Steps(ctx context.Context, sessionID string, limit int) ([]StepRecord, error) {
	query := `SELECT id, session_id, step_type, name, depth, hidden, error_title, duration_ms, created_at
		FROM step_runs WHERE session_id = ? ORDER BY id`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StepType, &rec.Name, &rec.Depth,
			&rec.Hidden, &rec.ErrorTitle, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats aggregates the whole log.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{PromptTokens: make(map[string]int)}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN error_title != '' THEN 1 ELSE 0 END), 0) FROM step_runs`,
	).Scan(&st.Steps, &st.FailedSteps)
	if err != nil {
		return st, fmt.Errorf("failed to count steps: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT model, SUM(prompt_tokens) FROM prompts GROUP BY model`)
	if err != nil {
		return st, fmt.Errorf("failed to sum prompts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var tokens int
		if err := rows.Scan(&model, &tokens); err != nil {
			return st, err
		}
		st.PromptTokens[model] = tokens
	}
	return st, rows.Err()
}
