// Package usage keeps a ledger of conversation turns: which path
// answered, which model ran, token counts, latency and outcome. It never
// stores what was said.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcome values recorded for successful turns. Failed turns record
// the failure name instead.
const OutcomeSuccess = "success"

// timestampLayout is fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Turn is one completed or failed conversation turn.
type Turn struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Path           string // "fallback" or "llm"
	Mode           string // "chat" or "generate"
	Model          string
	Outcome        string
	InputTokens    int
	OutputTokens   int
	Latency        time.Duration // wall clock for the whole turn
	ServerDuration time.Duration // as reported by the inference server
}

// Summary aggregates turns.
type Summary struct {
	Turns             int
	Failures          int
	TotalInputTokens  int64
	TotalOutputTokens int64
	AvgLatency        time.Duration
}

// Store is an append-only SQLite ledger. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger at dbPath, creating the parent
// directory when needed.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS turns (
		id                 TEXT PRIMARY KEY,
		timestamp          TEXT NOT NULL,
		conversation_id    TEXT NOT NULL,
		path               TEXT NOT NULL,
		mode               TEXT NOT NULL,
		model              TEXT NOT NULL,
		outcome            TEXT NOT NULL,
		input_tokens       INTEGER NOT NULL,
		output_tokens      INTEGER NOT NULL,
		latency_ms         INTEGER NOT NULL,
		server_duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);
	`)
	return err
}

// Record appends a turn. An empty ID gets a UUIDv7; a zero Timestamp
// gets the current time.
func (s *Store) Record(ctx context.Context, t Turn) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn ID: %w", err)
		}
		t.ID = id.String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, timestamp, conversation_id, path, mode, model, outcome,
			 input_tokens, output_tokens, latency_ms, server_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Timestamp.UTC().Format(timestampLayout),
		t.ConversationID,
		t.Path,
		t.Mode,
		t.Model,
		t.Outcome,
		t.InputTokens,
		t.OutputTokens,
		t.Latency.Milliseconds(),
		t.ServerDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Summary returns totals for turns within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome != ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?`,
		OutcomeSuccess,
		start.UTC().Format(timestampLayout),
		end.UTC().Format(timestampLayout),
	)

	var sum Summary
	var avgMS float64
	if err := row.Scan(&sum.Turns, &sum.Failures, &sum.TotalInputTokens, &sum.TotalOutputTokens, &avgMS); err != nil {
		return nil, fmt.Errorf("query turn summary: %w", err)
	}
	sum.AvgLatency = time.Duration(avgMS * float64(time.Millisecond))
	return &sum, nil
}

// SummaryByOutcome returns per-outcome totals for turns within [start, end).
func (s *Store) SummaryByOutcome(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "outcome", start, end)
}

// SummaryByModel returns per-model totals for turns within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column comes from the methods above, never from input.
	query := fmt.Sprintf(
		`SELECT %s,
		        COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome != ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		OutcomeSuccess,
		start.UTC().Format(timestampLayout),
		end.UTC().Format(timestampLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query turns by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var avgMS float64
		if err := rows.Scan(&key, &sum.Turns, &sum.Failures, &sum.TotalInputTokens, &sum.TotalOutputTokens, &avgMS); err != nil {
			return nil, fmt.Errorf("scan turns by %s: %w", column, err)
		}
		sum.AvgLatency = time.Duration(avgMS * float64(time.Millisecond))
		result[key] = &sum
	}
	return result, rows.Err()
}

// StartOfDay returns local midnight for t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
