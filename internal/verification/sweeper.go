package verification

import (
	"context"
	"log/slog"
	"time"

	"github.com/stepguard/stepguard/internal/clock"
)

// Sweeper periodically deletes expired verifications. Expired records are
// already rejected at read time; sweeping only reclaims space.
type Sweeper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweeper running every interval.
func NewSweeper(store Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, clock: clk, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and logs failures instead of returning them.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.store.SweepExpired(ctx, s.clock.Now())
	if err != nil {
		s.logger.Warn("sweep expired verifications failed", slog.String("error", err.Error()))
		return 0
	}
	if removed > 0 {
		s.logger.Info("swept expired verifications", slog.Int("removed", removed))
	}
	return removed
}
