package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deepaudit/core"
	"deepaudit/metrics"
)

// RecordSink accepts audit records for asynchronous persistence.
type RecordSink interface {
	Submit(record *core.AuditRecord) error
}

// WindowListener reacts to observation windows expiring. It subscribes to
// Redis keyspace expiry notifications instead of polling: when a window key
// lapses the identity is re-evaluated once, passively. An identity still at
// or above the observation threshold after a full window failed to remediate
// and is escalated to BLOCKED; otherwise it settles to NORMAL.
//
// Requires notify-keyspace-events to include expired events (e.g. "Ex").
type WindowListener struct {
	redis  *core.RedisClient
	sm     *StateMachine
	sink   RecordSink
	db     int
	logger *zap.SugaredLogger
}

func NewWindowListener(redis *core.RedisClient, sm *StateMachine, sink RecordSink, db int, logger *zap.SugaredLogger) *WindowListener {
	return &WindowListener{
		redis:  redis,
		sm:     sm,
		sink:   sink,
		db:     db,
		logger: logger,
	}
}

// Run consumes expiry notifications until the context is cancelled.
func (wl *WindowListener) Run(ctx context.Context) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", wl.db)
	pubsub := wl.redis.Raw().Subscribe(ctx, channel)
	defer pubsub.Close()

	wl.logger.Infow("window expiry listener started", "channel", channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				wl.logger.Warn("expiry notification channel closed")
				return
			}
			if strings.HasPrefix(msg.Payload, core.WindowKeyPrefix) {
				identity := strings.TrimPrefix(msg.Payload, core.WindowKeyPrefix)
				wl.HandleExpiration(ctx, identity)
			}
		}
	}
}

// HandleExpiration re-evaluates one identity whose observation window just
// lapsed. Exported so the bootstrap wiring and tests can drive it directly.
func (wl *WindowListener) HandleExpiration(ctx context.Context, identity string) {
	// Decay-only probe that must not re-arm the window it is reacting to;
	// any escalation is written inside the same atomic transition.
	d := wl.sm.ExpireWindow(ctx, identity)

	if d.State == core.StateBlocked {
		metrics.WindowExpirations.WithLabelValues("blocked").Inc()
		wl.logger.Warnw("observation window expired with score still high, blocking",
			"identity", identity, "score", d.Score)
		wl.emitSystemEvent(identity, d.Score, core.ActionBlock, core.StateBlocked)
		return
	}

	metrics.WindowExpirations.WithLabelValues("normal").Inc()
	wl.logger.Infow("observation window expired, identity back to normal",
		"identity", identity, "score", d.Score)
	wl.emitSystemEvent(identity, d.Score, core.ActionAllow, core.StateNormal)
}

func (wl *WindowListener) emitSystemEvent(identity string, score float64, action core.Action, state core.RiskState) {
	if wl.sink == nil {
		return
	}
	record := &core.AuditRecord{
		TraceID:   uuid.NewString(),
		Identity:  identity,
		SQL:       "SYSTEM_EVENT: observation window expired",
		Operation: "SYSTEM_EVENT",
		Tables:    "risk_profile",
		RiskScore: score,
		Action:    action,
		State:     state,
		ClientIP:  "127.0.0.1",
		Source:    "system",
		CreatedAt: time.Now(),
	}
	if err := wl.sink.Submit(record); err != nil {
		wl.logger.Warnw("dropped window expiry audit record", "identity", identity, "error", err)
	}
}
