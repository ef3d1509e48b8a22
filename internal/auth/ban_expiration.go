package auth

import (
	"context"
	"fmt"
	"time"

	"token-service/internal/observability"
)

const DefaultBanSweepInterval = 5 * time.Second

type ExpiredBanRemover interface {
	RemoveExpiredBans(ctx context.Context, now time.Time) (int64, error)
}

// BanExpirationSweeper periodically clears bans whose expiration passed.
// A failing or panicking tick is logged and the schedule carries on.
type BanExpirationSweeper struct {
	remover  ExpiredBanRemover
	logger   *observability.Logger
	metrics  *observability.Metrics
	interval time.Duration
	now      func() time.Time
}

func NewBanExpirationSweeper(remover ExpiredBanRemover, logger *observability.Logger, metrics *observability.Metrics, interval time.Duration) *BanExpirationSweeper {
	if interval <= 0 {
		interval = DefaultBanSweepInterval
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &BanExpirationSweeper{
		remover:  remover,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *BanExpirationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.Tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs a single sweep and returns the number of bans removed.
func (s *BanExpirationSweeper) Tick(ctx context.Context) (removed int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ban sweep panic: %v", rec)
			s.logger.Error("ban_sweep_panic", map[string]any{"panic": rec})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	removed, err = s.remover.RemoveExpiredBans(ctx, s.now())
	if err != nil {
		s.logger.Error("ban_sweep_failed", map[string]any{"error": err.Error()})
		return 0, err
	}

	if removed > 0 {
		s.metrics.BansRemoved.Add(float64(removed))
		s.logger.Info("ban_sweep_removed", map[string]any{"count": removed})
	}
	return removed, nil
}
