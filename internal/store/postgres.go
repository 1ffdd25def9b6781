// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Relies on the unique constraint on conversation_id to detect duplicate links

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore implements the Store interface on a pgx pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore connects to PostgreSQL and creates the schema if missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "backend", "postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", pool.Config().ConnConfig.Host)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			last_used TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_used ON conversations(last_used)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all pooled connections
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping verifies a connection can be acquired
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Find retrieves the link for a conversation.
func (s *PostgresStore) Find(ctx context.Context, conversationID string) (*Link, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, thread_id, last_used FROM conversations WHERE conversation_id = $1`,
		conversationID,
	)

	link, err := scanPgLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return link, nil
}

// Create inserts a new link, returning ErrConflict on a duplicate conversation id.
func (s *PostgresStore) Create(ctx context.Context, conversationID, threadID string) (*Link, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (conversation_id, thread_id, last_used)
		 VALUES ($1, $2, $3)
		 RETURNING id, conversation_id, thread_id, last_used`,
		conversationID, threadID, s.now().UTC(),
	)

	link, err := scanPgLink(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created link", "conversation_id", conversationID, "thread_id", threadID)
	return link, nil
}

// Touch sets last_used to the later of its current value and now.
func (s *PostgresStore) Touch(ctx context.Context, conversationID string) (*Link, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE conversations
		 SET last_used = GREATEST(last_used, $1)
		 WHERE conversation_id = $2
		 RETURNING id, conversation_id, thread_id, last_used`,
		s.now().UTC(), conversationID,
	)

	link, err := scanPgLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}
	return link, nil
}

// Delete removes a link by conversation id.
func (s *PostgresStore) Delete(ctx context.Context, conversationID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return false, fmt.Errorf("deleting conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteInactive removes links last used before the cutoff in a single statement.
func (s *PostgresStore) DeleteInactive(ctx context.Context, before time.Time) ([]*Link, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM conversations
		 WHERE last_used < $1
		 RETURNING id, conversation_id, thread_id, last_used`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("deleting inactive conversations: %w", err)
	}

	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Link, error) {
		return scanPgLink(row)
	})
	if err != nil {
		return nil, fmt.Errorf("collecting deleted conversations: %w", err)
	}

	if len(links) > 0 {
		s.logger.Debug("deleted inactive links", "count", len(links), "before", before)
	}
	return links, nil
}

func scanPgLink(row pgx.Row) (*Link, error) {
	var link Link
	if err := row.Scan(&link.ID, &link.ConversationID, &link.ThreadID, &link.LastUsed); err != nil {
		return nil, err
	}
	link.LastUsed = link.LastUsed.UTC()
	return &link, nil
}
