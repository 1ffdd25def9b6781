package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

type storeFactory func(t *testing.T, clock *testClock) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"sqlite": func(t *testing.T, clock *testClock) Store {
			s := setupTestStore(t)
			s.now = clock.Now
			return s
		},
		"mock": func(t *testing.T, clock *testClock) Store {
			s := NewMockStore()
			s.SetClock(clock.Now)
			return s
		},
	}

	if dsn := os.Getenv("THREAD_GATEWAY_TEST_POSTGRES_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T, clock *testClock) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(), "TRUNCATE conversations")
			require.NoError(t, err)
			s.now = clock.Now
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *testClock)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestStore_FindMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock) {
		_, err := s.Find(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CreateAndFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		created, err := s.Create(ctx, "conv-1", "thread-1")
		require.NoError(t, err)
		assert.Equal(t, "conv-1", created.ConversationID)
		assert.Equal(t, "thread-1", created.ThreadID)
		assert.True(t, created.LastUsed.Equal(clock.Now()), "last_used %v, want %v", created.LastUsed, clock.Now())

		found, err := s.Find(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, created.ThreadID, found.ThreadID)
		assert.True(t, found.LastUsed.Equal(created.LastUsed))
	})
}

func TestStore_CreateDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock) {
		ctx := context.Background()

		_, err := s.Create(ctx, "conv-1", "thread-1")
		require.NoError(t, err)

		_, err = s.Create(ctx, "conv-1", "thread-2")
		assert.ErrorIs(t, err, ErrConflict)

		// The original link is untouched
		found, err := s.Find(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "thread-1", found.ThreadID)
	})
}

func TestStore_CreateConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock) {
		ctx := context.Background()
		const workers = 8

		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = s.Create(ctx, "conv-race", "thread-"+string(rune('a'+i)))
			}()
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, conflicts)
	})
}

func TestStore_TouchIsMonotonic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		start := clock.Now()

		_, err := s.Create(ctx, "conv-1", "thread-1")
		require.NoError(t, err)

		later := clock.Advance(time.Hour)
		touched, err := s.Touch(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, touched.LastUsed.Equal(later))

		// A clock running behind never moves last_used backwards
		clock.Set(start)
		touched, err = s.Touch(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, touched.LastUsed.Equal(later))

		found, err := s.Find(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, found.LastUsed.Equal(later))
	})
}

func TestStore_TouchMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock) {
		_, err := s.Touch(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock) {
		ctx := context.Background()

		_, err := s.Create(ctx, "conv-1", "thread-1")
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.Find(ctx, "conv-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteInactive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		t0 := clock.Now()

		_, err := s.Create(ctx, "old", "thread-old")
		require.NoError(t, err)
		clock.Advance(time.Hour)
		_, err = s.Create(ctx, "older-touch", "thread-ot")
		require.NoError(t, err)
		clock.Advance(time.Hour)
		_, err = s.Create(ctx, "fresh", "thread-fresh")
		require.NoError(t, err)

		cutoff := t0.Add(90 * time.Minute)
		removed, err := s.DeleteInactive(ctx, cutoff)
		require.NoError(t, err)

		ids := make([]string, 0, len(removed))
		for _, l := range removed {
			ids = append(ids, l.ConversationID)
			assert.True(t, l.LastUsed.Before(cutoff))
		}
		assert.ElementsMatch(t, []string{"old", "older-touch"}, ids)

		// Same cutoff again removes nothing
		removed, err = s.DeleteInactive(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, removed)

		_, err = s.Find(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestStore_DeleteInactiveKeepsCutoffBoundary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		link, err := s.Create(ctx, "edge", "thread-edge")
		require.NoError(t, err)

		removed, err := s.DeleteInactive(ctx, link.LastUsed)
		require.NoError(t, err)
		assert.Empty(t, removed)

		removed, err = s.DeleteInactive(ctx, link.LastUsed.Add(time.Microsecond))
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, "thread-edge", removed[0].ThreadID)
	})
}

func TestStore_Ping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "gateway.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = s.Create(ctx, "conv-1", "thread-1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	found, err := reopened.Find(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", found.ThreadID)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Create(context.Background(), "conv-1", "thread-1")
	require.NoError(t, err)

	found, err := s.Find(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", found.ThreadID)
}

func TestOpen_SQLiteURLs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		path string
	}{
		{"absolute url", "sqlite:///" + filepath.Join(dir, "a.db"), filepath.Join(dir, "a.db")},
		{"driver suffix", "sqlite+aiosqlite:///" + filepath.Join(dir, "b.db"), filepath.Join(dir, "b.db")},
		{"bare path", filepath.Join(dir, "c.db"), filepath.Join(dir, "c.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.url, Options{})
			require.NoError(t, err)
			defer s.Close()

			_, ok := s.(*SQLiteStore)
			assert.True(t, ok, "expected SQLite backend")
			assert.FileExists(t, tt.path)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), "  ", Options{})
	assert.Error(t, err)

	_, err = Open(context.Background(), "mysql://localhost/db", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database scheme")
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "./conversations.db", sqlitePath("/./conversations.db"))
	assert.Equal(t, "/var/lib/gw.db", sqlitePath("//var/lib/gw.db"))
	assert.Equal(t, ":memory:", sqlitePath(":memory:"))
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Nanosecond)
	c := a.Add(10 * time.Hour)

	assert.Less(t, formatTime(a), formatTime(b))
	assert.Less(t, formatTime(b), formatTime(c))

	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))

	// Non-UTC inputs are normalized
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, formatTime(a), formatTime(a.In(est)))
}
