// Package store persists the mapping from application conversation ids to
// remote orchestration thread ids.
//
// # Architecture
//
// Every backend implements the Store interface:
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, single local file
//   - PostgresStore: pgx connection pool
//   - DynamoStore: one DynamoDB item per conversation
//   - MockStore: in-memory, for tests
//
// Open picks a backend from the database URL scheme (sqlite://, postgresql://,
// dynamodb://). A bare path opens a SQLite file.
//
// # Data Model
//
// A Link holds the conversation id (unique), the thread id assigned by the
// remote service and the last time the conversation was used. Tables are
// created on startup when missing; there is no migration history.
//
// # Concurrency
//
// Uniqueness of the conversation id is enforced by the backend (a UNIQUE
// constraint or a conditional write). Create reports a losing duplicate as
// ErrConflict so callers can adopt the winner's link.
//
// Touch never moves last_used backwards. DeleteInactive removes and returns
// matching rows in one statement on the relational backends, so a sweep
// repeated with the same cutoff removes nothing.
//
// # Error Handling
//
//   - ErrNotFound: no link for the conversation
//   - ErrConflict: the conversation is already linked
//
// All methods accept context.Context for cancellation support.
package store
