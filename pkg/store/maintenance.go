package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper deletes event rows older than the retention TTL. It runs on its own
// schedule, never touches configuration or audit tables, and never blocks
// ingestion: failures are logged and retried on the next tick.
type Reaper struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper builds a reaper sweeping once per interval (default one minute).
// A zero TTL disables retention entirely.
func NewReaper(st *Store, ttl, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{store: st, ttl: ttl, interval: interval, logger: logger.Named("reaper")}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r.ttl <= 0 {
		r.logger.Info("retention disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("retention reaper started", zap.Duration("ttl", r.ttl))

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("retention sweep failed, will retry", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes all event rows with a timestamp strictly older than
// now - TTL, then truncates the WAL so the deletions don't bloat the log.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.ttl).UnixMicro()
	var total int64
	for _, table := range EventTables {
		res, err := r.store.write.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", cutoff)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			reaperDeleted.WithLabelValues(table).Add(float64(n))
			total += n
		}
	}
	if total > 0 {
		if err := r.store.Checkpoint(ctx); err != nil {
			return err
		}
		r.logger.Debug("retention sweep done", zap.Int64("deleted", total), zap.Int64("cutoff_us", cutoff))
	}
	return nil
}
