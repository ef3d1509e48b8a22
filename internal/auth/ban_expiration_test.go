package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-service/internal/observability"
	"token-service/internal/permission"
)

type removerFunc func(ctx context.Context, now time.Time) (int64, error)

func (f removerFunc) RemoveExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	return f(ctx, now)
}

func newTestSweeper(remover ExpiredBanRemover, interval time.Duration) (*BanExpirationSweeper, *syncBuffer, *observability.Metrics) {
	logs := &syncBuffer{}
	metrics := observability.NewMetrics(nil)
	sweeper := NewBanExpirationSweeper(remover, observability.NewLoggerTo(logs), metrics, interval)
	sweeper.now = func() time.Time { return testNow }
	return sweeper, logs, metrics
}

func TestSweeperTickWithNothingExpiredIsSilent(t *testing.T) {
	sweeper, logs, metrics := newTestSweeper(removerFunc(func(context.Context, time.Time) (int64, error) {
		return 0, nil
	}), time.Second)

	removed, err := sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Empty(t, logs.String())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BansRemoved))
}

func TestSweeperTickLogsRemovals(t *testing.T) {
	var seen time.Time
	sweeper, logs, metrics := newTestSweeper(removerFunc(func(_ context.Context, now time.Time) (int64, error) {
		seen = now
		return 1, nil
	}), time.Second)

	removed, err := sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, testNow, seen)
	assert.Contains(t, logs.String(), "ban_sweep_removed")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BansRemoved))
}

func TestSweeperTickIsolatesFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		sweeper, logs, _ := newTestSweeper(removerFunc(func(context.Context, time.Time) (int64, error) {
			return 0, errors.New("connection reset")
		}), time.Second)

		_, err := sweeper.Tick(context.Background())
		require.Error(t, err)
		assert.Contains(t, logs.String(), "ban_sweep_failed")
	})

	t.Run("panic", func(t *testing.T) {
		sweeper, logs, _ := newTestSweeper(removerFunc(func(context.Context, time.Time) (int64, error) {
			panic("boom")
		}), time.Second)

		require.NotPanics(t, func() {
			_, err := sweeper.Tick(context.Background())
			require.Error(t, err)
		})
		assert.Contains(t, logs.String(), "ban_sweep_panic")
	})
}

func TestSweeperRunKeepsTickingAfterFailure(t *testing.T) {
	var calls atomic.Int32
	sweeper, _, _ := newTestSweeper(removerFunc(func(context.Context, time.Time) (int64, error) {
		if calls.Add(1) == 1 {
			panic("first tick fails")
		}
		return 0, nil
	}), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSweeperDefaultsInterval(t *testing.T) {
	sweeper := NewBanExpirationSweeper(nil, observability.NewLoggerTo(&syncBuffer{}), nil, 0)
	assert.Equal(t, DefaultBanSweepInterval, sweeper.interval)
}

func TestSweeperTickKeepsLiveBansOnSameIdentity(t *testing.T) {
	store := newMemoryStore(func() time.Time { return testNow })
	expired := testNow.Add(-time.Minute)
	live := testNow.Add(time.Hour)

	store.addBan("p1", Ban{ID: "b-expired", PermissionSet: permission.ChatService, Expiration: &expired})
	store.addBan("p1", Ban{ID: "b-live", PermissionSet: permission.MailService, Expiration: &live})
	store.addBan("p1", Ban{ID: "b-permanent", PermissionSet: permission.GuildService})
	store.addBan("p2", Ban{ID: "b-other", PermissionSet: permission.All, Expiration: &expired})

	sweeper, _, metrics := newTestSweeper(store, time.Second)

	removed, err := sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BansRemoved))

	p1, err := store.Find(context.Background(), "p1")
	require.NoError(t, err)
	ids := make([]string, 0, len(p1.Bans))
	for _, ban := range p1.Bans {
		ids = append(ids, ban.ID)
	}
	assert.Equal(t, []string{"b-live", "b-permanent"}, ids)

	p2, err := store.Find(context.Background(), "p2")
	require.NoError(t, err)
	assert.Empty(t, p2.Bans)
}
