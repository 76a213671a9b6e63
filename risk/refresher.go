package risk

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"deepaudit/core"
)

// Refresher periodically re-applies pure decay to every known profile so
// idle identities converge with wall-clock time instead of freezing at their
// last score. Without it an identity that stops issuing statements could
// stay blocked forever.
type Refresher struct {
	redis    *core.RedisClient
	sm       *StateMachine
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewRefresher(redis *core.RedisClient, sm *StateMachine, interval time.Duration, logger *zap.SugaredLogger) *Refresher {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Refresher{
		redis:    redis,
		sm:       sm,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until the context is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Infow("decay refresher started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep walks all profile keys and runs a decay-only transition on each.
// Mirroring to durable storage rides the state machine's own async path.
func (r *Refresher) Sweep(ctx context.Context) {
	start := time.Now()
	count := 0

	err := r.redis.ScanKeys(ctx, core.ProfileKeyPrefix+"*", func(key string) error {
		identity := strings.TrimPrefix(key, core.ProfileKeyPrefix)
		if identity == "" {
			return nil
		}
		r.sm.Refresh(ctx, identity)
		count++
		return nil
	})
	if err != nil {
		r.logger.Warnw("decay sweep aborted", "profiles_refreshed", count, "error", err)
		return
	}

	r.logger.Debugw("decay sweep complete", "profiles", count, "elapsed", time.Since(start))
}
