package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deepaudit/analysis"
	"deepaudit/core"
	"deepaudit/dlp"
	"deepaudit/metrics"
	"deepaudit/ml"
	"deepaudit/risk"
)

const persistTimeout = 5 * time.Second

// internalTables are the engine's own tables. Statements touching them are
// never scored or audited, otherwise every audit insert would audit itself.
var internalTables = map[string]struct{}{
	"audit_log":       {},
	"risk_profile":    {},
	"sensitive_table": {},
	"risk_rule":       {},
}

// Evaluation carries the scoring breakdown for one statement so callers can
// audit after execution completes, with real row counts and timings.
type Evaluation struct {
	Features     *analysis.Features
	Operation    string
	DLPScore     float64
	AnomalyScore float64
	RiskScore    float64
	Decision     core.Decision
	Skipped      bool
}

// Pipeline runs the per-statement evaluation lifecycle: pre-check, analyze,
// decide, audit. One Pipeline serves all callers concurrently.
type Pipeline struct {
	features *analysis.FeatureCache
	dlp      *dlp.Classifier
	scorer   *ml.Scorer
	sm       *risk.StateMachine
	sink     Sink
	excluded map[string]struct{}
	logger   *zap.SugaredLogger
}

func NewPipeline(features *analysis.FeatureCache, classifier *dlp.Classifier, scorer *ml.Scorer, sm *risk.StateMachine, sink Sink, excludedTables []string, logger *zap.SugaredLogger) *Pipeline {
	excluded := make(map[string]struct{}, len(excludedTables))
	for _, t := range excludedTables {
		if name := dlp.NormalizeTableName(t); name != "" {
			excluded[name] = struct{}{}
		}
	}
	return &Pipeline{
		features: features,
		dlp:      classifier,
		scorer:   scorer,
		sm:       sm,
		sink:     sink,
		excluded: excluded,
		logger:   logger,
	}
}

// Precheck runs a decay-only probe before any parsing or inference. An
// already-blocked identity is rejected here so the expensive path never
// runs for it.
func (p *Pipeline) Precheck(ctx context.Context, identity string) error {
	d := p.sm.Evaluate(ctx, identity, 0)
	if d.Blocked() {
		return &core.RiskControlError{
			Identity: identity,
			State:    d.State,
			Score:    d.Score,
			Reason:   "identity is blocked",
		}
	}
	return nil
}

// Evaluate scores one statement and transitions the identity's risk state.
// The returned error is non-nil only for policy denials; every
// infrastructure failure inside degrades to that component's safe default.
// Evaluate does not audit; callers pass the Evaluation to Audit once the
// execution outcome is known.
func (p *Pipeline) Evaluate(ctx context.Context, event *core.StatementEvent) (*Evaluation, error) {
	start := time.Now()
	defer func() {
		metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}()

	source := event.Source
	if source == "" {
		source = "unknown"
	}
	metrics.StatementsAnalyzed.WithLabelValues(source).Inc()

	sql := analysis.StripHint(event.SQL)
	feats := p.features.Analyze(sql)
	if feats.ParseError {
		metrics.ParseErrors.Inc()
	}

	// Recursion guard: statements that only touch engine-internal or
	// operator-excluded tables pass through unscored and unaudited.
	if p.skippable(feats.Tables) {
		return &Evaluation{
			Features:  feats,
			Operation: analysis.Operation(sql),
			Decision:  core.Decision{Action: core.ActionAllow, State: core.StateNormal},
			Skipped:   true,
		}, nil
	}

	ev := &Evaluation{
		Features:  feats,
		Operation: analysis.Operation(sql),
	}
	destructive := analysis.IsDDL(sql)
	ev.DLPScore = p.dlp.Score(feats.Tables)
	ruleScore := p.dlp.ScoreText(sql)
	ev.AnomalyScore = p.scorer.Score(ctx, event.Identity, event.Timestamp, sql, feats, ml.ExecMeta{
		RowCount:     event.RowCount,
		AffectedRows: event.AffectedRows,
		Duration:     event.Duration,
		ClientApp:    event.ClientApp,
		ErrorCode:    event.ErrorCode,
	})

	ev.RiskScore = risk.Combine(feats, destructive, ev.DLPScore, ruleScore, ev.AnomalyScore)
	ev.Decision = p.sm.Evaluate(ctx, event.Identity, ev.RiskScore)

	// DDL and grant-like statements are denied per statement even when the
	// accumulated score sits below the block threshold. The identity's
	// stored state is whatever the thresholds say; only this statement is
	// refused.
	reason := "statement risk exceeded block threshold"
	if !ev.Decision.Blocked() && destructive {
		ev.Decision.Action = core.ActionBlock
		reason = "ddl statement denied by policy"
	}
	metrics.Decisions.WithLabelValues(string(ev.Decision.Action)).Inc()

	if ev.Decision.Blocked() {
		return ev, &core.RiskControlError{
			Identity: event.Identity,
			State:    ev.Decision.State,
			Score:    ev.Decision.Score,
			Reason:   reason,
		}
	}
	return ev, nil
}

// Process evaluates and audits in one call, for callers with no execution
// phase of their own.
func (p *Pipeline) Process(ctx context.Context, event *core.StatementEvent) (core.Decision, error) {
	ev, err := p.Evaluate(ctx, event)
	p.Audit(event, ev)
	return ev.Decision, err
}

// Audit emits the trail record for an evaluated statement. The event may
// have been updated with post-execution metadata since Evaluate ran.
// Skipped evaluations produce no record.
func (p *Pipeline) Audit(event *core.StatementEvent, ev *Evaluation) {
	if p.sink == nil || ev == nil || ev.Skipped {
		return
	}
	traceID := event.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	feats := ev.Features
	record := &core.AuditRecord{
		TraceID:        traceID,
		Identity:       event.Identity,
		SQL:            analysis.StripHint(event.SQL),
		Operation:      ev.Operation,
		Tables:         joinTables(feats.Tables),
		ConditionCount: feats.ConditionCount,
		JoinCount:      feats.JoinCount,
		NestedLevel:    feats.NestedLevel,
		HasAlwaysTrue:  feats.HasAlwaysTrue,
		RowCount:       event.RowCount,
		AffectedRows:   event.AffectedRows,
		DurationMs:     event.Duration.Milliseconds(),
		ErrorCode:      event.ErrorCode,
		ClientApp:      event.ClientApp,
		ClientIP:       event.ClientIP,
		Source:         event.Source,
		DLPScore:       ev.DLPScore,
		AnomalyScore:   ev.AnomalyScore,
		RiskScore:      ev.RiskScore,
		Action:         ev.Decision.Action,
		State:          ev.Decision.State,
		FeedbackStatus: core.FeedbackPending,
		CreatedAt:      time.Now(),
	}
	// Submit logs and counts its own failures.
	_ = p.sink.Submit(record)
}

func (p *Pipeline) skippable(tables []string) bool {
	if len(tables) == 0 {
		return false
	}
	for _, t := range tables {
		if _, internal := internalTables[t]; internal {
			continue
		}
		if _, excluded := p.excluded[t]; excluded {
			continue
		}
		return false
	}
	return true
}

func joinTables(tables []string) string {
	if len(tables) == 0 {
		return ""
	}
	out := tables[0]
	for _, t := range tables[1:] {
		out += "," + t
	}
	return out
}
