package discordgpt

import (
	"context"
	"errors"
	"github.com/adhocore/gronx"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const retentionRetryDelay = 30 * time.Second

var errRetentionRunning = errors.New("retention is already running")

// retentionScheduler deletes conversations that haven't been updated
// within RetentionConfig.MaxAge, on the configured cron schedule
type retentionScheduler struct {
	store   ConversationStore
	config  *RetentionConfig
	metrics *Metrics
	logger  *slog.Logger

	// held while pruning, so scheduled and on-demand runs don't overlap
	running sync.Mutex

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func newRetentionScheduler(
	store ConversationStore,
	config *RetentionConfig,
	metrics *Metrics,
	logger *slog.Logger,
) *retentionScheduler {
	return &retentionScheduler{
		store:   store,
		config:  config,
		metrics: metrics,
		logger:  logger.With(loggerNameKey, "retention"),
		now:     time.Now,
		after:   time.After,
	}
}

// run prunes on each cron tick until ctx is done
func (r *retentionScheduler) run(ctx context.Context) {
	r.logger.InfoContext(ctx, "retention scheduler started", "cron", r.config.Cron, "max_age", r.config.MaxAge)
	for {
		next, err := gronx.NextTickAfter(r.config.Cron, r.now().UTC(), false)
		var wait time.Duration
		if err != nil {
			r.logger.ErrorContext(ctx, "error getting next retention tick", tint.Err(err))
			wait = retentionRetryDelay
		} else {
			wait = next.Sub(r.now())
			r.logger.DebugContext(ctx, "next retention run", "at", next)
		}

		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "retention scheduler stopping")
			return
		case <-r.after(wait):
		}
		if err != nil {
			continue
		}

		if _, pruneErr := r.prune(ctx); pruneErr != nil && !errors.Is(pruneErr, errRetentionRunning) {
			r.logger.ErrorContext(ctx, "retention run failed", tint.Err(pruneErr))
		}
	}
}

// prune deletes conversations older than MaxAge, returning the number
// deleted. It returns errRetentionRunning if a run is in progress.
func (r *retentionScheduler) prune(ctx context.Context) (int64, error) {
	if !r.running.TryLock() {
		return 0, errRetentionRunning
	}
	defer r.running.Unlock()

	cutoff := r.now().Add(-r.config.MaxAge)
	started := r.now()
	deleted, err := r.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.metrics.observePruned(deleted)
	r.logger.InfoContext(
		ctx,
		"pruned conversations",
		"cutoff", cutoff,
		"deleted", deleted,
		"duration", r.now().Sub(started),
	)
	return deleted, nil
}
