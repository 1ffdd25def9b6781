// ABOUTME: Store interface and data types for thread-gateway persistence
// ABOUTME: Defines the conversation link record and backend selection by URL

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a link for the conversation already exists
var ErrConflict = errors.New("conversation already linked")

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Link associates an application conversation with a remote orchestration thread.
type Link struct {
	ID             int64
	ConversationID string
	ThreadID       string
	LastUsed       time.Time
}

// Store persists conversation links.
type Store interface {
	// Find returns the link for a conversation, or ErrNotFound.
	Find(ctx context.Context, conversationID string) (*Link, error)

	// Create inserts a new link with last_used set to now.
	// Returns ErrConflict if the conversation is already linked.
	Create(ctx context.Context, conversationID, threadID string) (*Link, error)

	// Touch advances last_used to now. It never moves last_used backwards.
	Touch(ctx context.Context, conversationID string) (*Link, error)

	// Delete removes the link and reports whether a row existed.
	Delete(ctx context.Context, conversationID string) (bool, error)

	// DeleteInactive removes every link with last_used strictly before the cutoff
	// and returns the removed rows. Backends that delete in batches return the
	// rows already removed together with any later error.
	DeleteInactive(ctx context.Context, before time.Time) ([]*Link, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Options carries backend settings that are not part of the database URL.
type Options struct {
	AWSRegion   string
	AWSEndpoint string
}

// Open selects a backend from the database URL scheme.
//
//	sqlite:///./conversations.db      relative SQLite file
//	sqlite:////var/lib/tg/gateway.db  absolute SQLite file
//	postgresql://user:pw@host/db      PostgreSQL (driver suffixes like +asyncpg are ignored)
//	dynamodb://table-name             DynamoDB table
//
// A value without a scheme is treated as a SQLite file path.
func Open(ctx context.Context, databaseURL string, opts Options) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, errors.New("database url is required")
	}

	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return NewSQLiteStore(databaseURL)
	}
	driver, _, _ := strings.Cut(strings.ToLower(scheme), "+")

	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLiteStore(sqlitePath(rest))
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, "postgres://"+rest)
	case "dynamodb":
		return OpenDynamoStore(ctx, strings.Trim(rest, "/"), opts)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

// sqlitePath converts the part after "sqlite://" into a file path.
// One leading slash separates the empty host from the path.
func sqlitePath(rest string) string {
	if strings.HasPrefix(rest, "/") {
		return rest[1:]
	}
	return rest
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
