// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation link persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database
	if memory {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
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
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			last_used TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_last_used
			ON conversations(last_used);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Find retrieves the link for a conversation.
// Returns ErrNotFound if the conversation has no link.
func (s *SQLiteStore) Find(ctx context.Context, conversationID string) (*Link, error) {
	query := `
		SELECT id, conversation_id, thread_id, last_used
		FROM conversations
		WHERE conversation_id = ?
	`

	link, err := scanLink(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return link, nil
}

// Create inserts a new link.
// If the conversation is already linked it returns ErrConflict.
func (s *SQLiteStore) Create(ctx context.Context, conversationID, threadID string) (*Link, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, thread_id, last_used) VALUES (?, ?, ?)`,
		conversationID, threadID, formatTime(now),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading inserted id: %w", err)
	}

	s.logger.Debug("created link", "conversation_id", conversationID, "thread_id", threadID)
	return &Link{
		ID:             id,
		ConversationID: conversationID,
		ThreadID:       threadID,
		LastUsed:       now,
	}, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Touch sets last_used to the later of its current value and now.
func (s *SQLiteStore) Touch(ctx context.Context, conversationID string) (*Link, error) {
	query := `
		UPDATE conversations
		SET last_used = MAX(last_used, ?)
		WHERE conversation_id = ?
		RETURNING id, conversation_id, thread_id, last_used
	`

	link, err := scanLink(s.db.QueryRowContext(ctx, query, formatTime(s.now()), conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}
	return link, nil
}

// Delete removes a link by conversation id.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return false, fmt.Errorf("deleting conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteInactive removes links last used before the cutoff in a single statement.
func (s *SQLiteStore) DeleteInactive(ctx context.Context, before time.Time) ([]*Link, error) {
	query := `
		DELETE FROM conversations
		WHERE last_used < ?
		RETURNING id, conversation_id, thread_id, last_used
	`

	rows, err := s.db.QueryContext(ctx, query, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("deleting inactive conversations: %w", err)
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deleted conversation: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deleted conversations: %w", err)
	}

	if len(links) > 0 {
		s.logger.Debug("deleted inactive links", "count", len(links), "before", before)
	}
	return links, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*Link, error) {
	var link Link
	var lastUsed string

	if err := row.Scan(&link.ID, &link.ConversationID, &link.ThreadID, &lastUsed); err != nil {
		return nil, err
	}

	t, err := parseTime(lastUsed)
	if err != nil {
		return nil, fmt.Errorf("parsing last_used: %w", err)
	}
	link.LastUsed = t
	return &link, nil
}
