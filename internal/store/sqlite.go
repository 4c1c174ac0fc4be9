// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides transcript and agent context persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// defaultTranscriptLimit applies when ListTranscripts is called with limit <= 0.
const defaultTranscriptLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transcripts (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			item_id    TEXT,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transcripts_item
			ON transcripts(item_id) WHERE item_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_transcripts_created
			ON transcripts(created_at);

		CREATE TABLE IF NOT EXISTS agent_contexts (
			agent      TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			memory     TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendTranscript stores a transcript. An ID is generated when empty.
// A transcript whose item ID already exists is ignored.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, t *Transcript) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var itemID sql.NullString
	if t.ItemID != "" {
		itemID = sql.NullString{String: t.ItemID, Valid: true}
	}

	query := `
		INSERT INTO transcripts (id, session_id, item_id, role, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.SessionID,
		itemID,
		t.Role,
		t.Text,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting transcript: %w", err)
	}
	return nil
}

// ListTranscripts returns the most recent transcripts in chronological order.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, limit int) ([]*Transcript, error) {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}

	query := `
		SELECT id, session_id, item_id, role, text, created_at FROM (
			SELECT id, session_id, item_id, role, text, created_at
			FROM transcripts
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var out []*Transcript
	for rows.Next() {
		var (
			t         Transcript
			itemID    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &itemID, &t.Role, &t.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		t.ItemID = itemID.String
		t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcripts: %w", err)
	}
	return out, nil
}

// LoadAgentContext retrieves an agent's context.
// Returns ErrNotFound if the agent has none.
func (s *SQLiteStore) LoadAgentContext(ctx context.Context, agent string) (*AgentContext, error) {
	query := `
		SELECT agent, context_id, turn_count, memory, updated_at
		FROM agent_contexts
		WHERE agent = ?
	`
	var (
		c         AgentContext
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, agent).Scan(&c.Agent, &c.ContextID, &c.TurnCount, &c.Memory, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent context: %w", err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// SaveAgentContext upserts an agent's context.
func (s *SQLiteStore) SaveAgentContext(ctx context.Context, c *AgentContext) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO agent_contexts (agent, context_id, turn_count, memory, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			context_id = excluded.context_id,
			turn_count = excluded.turn_count,
			memory     = excluded.memory,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.Agent,
		c.ContextID,
		c.TurnCount,
		c.Memory,
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving agent context: %w", err)
	}
	return nil
}

// DeleteAgentContext removes an agent's context. Deleting a missing context
// is not an error.
func (s *SQLiteStore) DeleteAgentContext(ctx context.Context, agent string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_contexts WHERE agent = ?`, agent); err != nil {
		return fmt.Errorf("deleting agent context: %w", err)
	}
	return nil
}
