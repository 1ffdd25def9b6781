package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingDeleter struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int
	err     error
}

func (r *recordingDeleter) DeleteInactive(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, before)
	return r.count, r.err
}

func (r *recordingDeleter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestSweeper_CutoffIsNowMinusMaxIdle(t *testing.T) {
	deleter := &recordingDeleter{count: 3}
	s := NewSweeper(deleter, time.Hour, 24*time.Hour, testLogger())
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.Equal(t, 3, s.sweep(context.Background()))
	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, deleter.cutoffs)
}

func TestSweeper_ErrorIsLogged(t *testing.T) {
	deleter := &recordingDeleter{err: errors.New("db down")}
	s := NewSweeper(deleter, time.Hour, time.Hour, testLogger())

	assert.Equal(t, 0, s.sweep(context.Background()))
}

func TestSweeper_RunsOnInterval(t *testing.T) {
	deleter := &recordingDeleter{}
	s := NewSweeper(deleter, 10*time.Millisecond, time.Hour, testLogger())

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return deleter.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Close()
	stopped := deleter.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, deleter.calls(), "no sweeps after Close")

	// Close is idempotent
	s.Close()
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	deleter := &recordingDeleter{}
	s := NewSweeper(deleter, time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
