// ABOUTME: Background loop that periodically removes conversations idle past a threshold
// ABOUTME: Each tick deletes links last used before now minus the configured max idle

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// inactiveDeleter is the part of the conversation service the sweeper needs.
type inactiveDeleter interface {
	DeleteInactive(ctx context.Context, before time.Time) (int, error)
}

// Sweeper runs DeleteInactive on a fixed interval.
type Sweeper struct {
	svc      inactiveDeleter
	interval time.Duration
	maxIdle  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(svc inactiveDeleter, interval, maxIdle time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		maxIdle:  maxIdle,
		now:      time.Now,
		logger:   logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It stops when ctx is canceled or Close is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("inactivity sweep enabled", "interval", s.interval, "max_idle", s.maxIdle)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// sweep runs one pass and reports how many conversations were removed.
func (s *Sweeper) sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.maxIdle)

	count, err := s.svc.DeleteInactive(ctx, cutoff)
	if err != nil {
		s.logger.Error("inactivity sweep failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if count > 0 {
		s.logger.Info("inactivity sweep removed conversations", "cutoff", cutoff, "deleted_count", count)
	}
	return count
}

// Close stops the loop and waits for an in-flight sweep. It is safe to call multiple times.
func (s *Sweeper) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
