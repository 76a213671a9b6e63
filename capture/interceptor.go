// Package capture intercepts SQL statements at the database/sql driver
// boundary and routes them through the risk pipeline: identities that are
// blocked, or whose statement crosses the block threshold, get a policy
// error instead of an executed query.
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deepaudit/analysis"
	"deepaudit/audit"
	"deepaudit/core"
)

type identityKey struct{}

// WithIdentity tags a context with the application-level identity issuing
// subsequent statements. An identity hint embedded in the SQL text takes
// precedence over the context value.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}

// Interceptor adapts the pipeline to the driver wrapper. It resolves the
// identity for each statement, runs the pre-check and evaluation before
// execution, and audits with real execution metadata afterwards.
type Interceptor struct {
	pipeline        *audit.Pipeline
	defaultIdentity string
	source          string
	logger          *zap.SugaredLogger
}

func NewInterceptor(pipeline *audit.Pipeline, defaultIdentity, source string, logger *zap.SugaredLogger) *Interceptor {
	if defaultIdentity == "" {
		defaultIdentity = "anonymous"
	}
	if source == "" {
		source = "driver"
	}
	return &Interceptor{
		pipeline:        pipeline,
		defaultIdentity: defaultIdentity,
		source:          source,
		logger:          logger,
	}
}

// resolveIdentity prefers the in-band SQL hint, then the context, then the
// configured default.
func (ic *Interceptor) resolveIdentity(ctx context.Context, sql string) string {
	if id := analysis.ExtractHint(sql); id != "" {
		return id
	}
	if id, ok := IdentityFromContext(ctx); ok {
		return id
	}
	return ic.defaultIdentity
}

// before runs the pre-execution half of the lifecycle. A non-nil error is
// always a policy denial; the statement must not execute.
func (ic *Interceptor) before(ctx context.Context, sql string) (*core.StatementEvent, *audit.Evaluation, error) {
	identity := ic.resolveIdentity(ctx, sql)

	event := &core.StatementEvent{
		TraceID:   uuid.NewString(),
		Identity:  identity,
		SQL:       sql,
		Timestamp: time.Now(),
		Source:    ic.source,
	}

	if err := ic.pipeline.Precheck(ctx, identity); err != nil {
		ic.pipeline.Audit(event, &audit.Evaluation{
			Features:  &analysis.Features{},
			Operation: analysis.Operation(sql),
			Decision:  core.Decision{Action: core.ActionBlock, State: core.StateBlocked},
		})
		return nil, nil, err
	}

	ev, err := ic.pipeline.Evaluate(ctx, event)
	if err != nil {
		ic.pipeline.Audit(event, ev)
		return nil, nil, err
	}
	return event, ev, nil
}

// after audits with the outcome of the wrapped execution.
func (ic *Interceptor) after(event *core.StatementEvent, ev *audit.Evaluation, start time.Time, affected int64, execErr error) {
	event.Duration = time.Since(start)
	event.AffectedRows = affected
	if execErr != nil {
		event.ErrorCode = 1
	}
	ic.pipeline.Audit(event, ev)
}
