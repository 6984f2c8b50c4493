// Package reconciler runs the background maintenance loops: cache
// refresh, pending-transaction expiry, usage rollups, and the balance
// event relay.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/starfall-labs/dust-ledger/internal/coord"
	"github.com/starfall-labs/dust-ledger/internal/metrics"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
	"go.uber.org/zap"
)

const (
	defaultCacheSyncInterval = time.Minute
	defaultExpireInterval    = 5 * time.Minute
	defaultPendingMaxAge     = time.Hour
	defaultRollupInterval    = time.Hour
	defaultRelayBackoff      = 5 * time.Second
)

// Config tunes the loop cadences. Zero values take the defaults.
type Config struct {
	CacheSyncInterval time.Duration
	ExpireInterval    time.Duration
	PendingMaxAge     time.Duration
	RollupInterval    time.Duration
	RelayBackoff      time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.CacheSyncInterval <= 0 {
		cfg.CacheSyncInterval = defaultCacheSyncInterval
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = defaultExpireInterval
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = defaultPendingMaxAge
	}
	if cfg.RollupInterval <= 0 {
		cfg.RollupInterval = defaultRollupInterval
	}
	if cfg.RelayBackoff <= 0 {
		cfg.RelayBackoff = defaultRelayBackoff
	}
}

// Listener receives relayed balance change events.
type Listener interface {
	OnBalanceChange(event dust.ChangeEvent)
}

// Reconciler owns the background loops. All loops stop when the run
// context is cancelled; a failing iteration is logged and retried on the
// next tick rather than terminating the loop.
type Reconciler struct {
	store    dust.Store
	cache    dust.BalanceCache
	client   redis.UniversalClient
	listener Listener
	logger   *zap.Logger
	cfg      Config
	nowFn    func() time.Time
}

// New assembles a Reconciler. The listener and redis client may be nil;
// the event relay is skipped without them.
func New(store dust.Store, cache dust.BalanceCache, client redis.UniversalClient, listener Listener, logger *zap.Logger, cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		store:    store,
		cache:    cache,
		client:   client,
		listener: listener,
		logger:   logger,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (reconciler *Reconciler) Run(ctx context.Context) {
	var waitGroup sync.WaitGroup

	runLoop := func(name string, interval time.Duration, step func(context.Context) error) {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					err := step(ctx)
					metrics.RecordReconcilerRun(name, err == nil)
					if err != nil && ctx.Err() == nil {
						reconciler.logger.Warn("reconciler step failed",
							zap.String("loop", name), zap.Error(err))
					}
				}
			}
		}()
	}

	if reconciler.cache != nil {
		runLoop("cache_sync", reconciler.cfg.CacheSyncInterval, reconciler.syncCache)
	}
	runLoop("pending_expiry", reconciler.cfg.ExpireInterval, reconciler.expirePending)
	runLoop("usage_rollup", reconciler.cfg.RollupInterval, reconciler.rollupUsage)

	if reconciler.client != nil && reconciler.listener != nil {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			reconciler.relayEvents(ctx)
		}()
	}

	waitGroup.Wait()
}

// syncCache rewrites the snapshot of every currently cached user from the
// durable store, so a missed invalidation heals within one interval.
func (reconciler *Reconciler) syncCache(ctx context.Context) error {
	userIDs, err := reconciler.cache.CachedUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		row, err := reconciler.store.GetOrCreateBalance(ctx, userID)
		if err != nil {
			return err
		}
		pending, err := reconciler.store.SumPending(ctx, userID)
		if err != nil {
			return err
		}
		snapshot := dust.BalanceSnapshot{
			UserID:         userID.String(),
			Balance:        row.Amount.Int64(),
			PendingBalance: pending.Int64(),
			LastUpdated:    row.UpdatedUnixUTC,
		}
		if err := reconciler.cache.Set(ctx, userID, snapshot); err != nil {
			return err
		}
	}
	return nil
}

// expirePending fails pending transactions older than the configured age.
func (reconciler *Reconciler) expirePending(ctx context.Context) error {
	cutoff := reconciler.nowFn().UTC().Add(-reconciler.cfg.PendingMaxAge).Unix()
	expired, err := reconciler.store.ExpirePendingBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if expired > 0 {
		reconciler.logger.Info("expired stale pending transactions", zap.Int64("count", expired))
	}
	return nil
}

// rollupUsage aggregates the previous hour of completed consumption.
func (reconciler *Reconciler) rollupUsage(ctx context.Context) error {
	now := reconciler.nowFn().UTC()
	windowEnd := now.Truncate(time.Hour)
	windowStart := windowEnd.Add(-time.Hour)
	apps, err := reconciler.store.RollupUsage(ctx, windowStart.Unix(), windowEnd.Unix())
	if err != nil {
		return err
	}
	if apps > 0 {
		reconciler.logger.Info("usage rollup complete",
			zap.Time("window_start", windowStart), zap.Int64("apps", apps))
	}
	return nil
}

// relayEvents forwards balance change events to the listener,
// resubscribing after a backoff whenever the subscription drops.
func (reconciler *Reconciler) relayEvents(ctx context.Context) {
	for {
		err := coord.Subscribe(ctx, reconciler.client, reconciler.listener.OnBalanceChange)
		if ctx.Err() != nil {
			return
		}
		metrics.RecordReconcilerRun("event_relay", false)
		reconciler.logger.Warn("event relay dropped, resubscribing", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconciler.cfg.RelayBackoff):
		}
	}
}
