package ml

import (
	"context"
	"sync/atomic"
	"time"

	"deepaudit/analysis"
	"deepaudit/core"
	"deepaudit/metrics"
	"go.uber.org/zap"
)

// Anomaly score mapping constants. Any negative decision-function value gets
// a non-trivial baseline so borderline anomalies are not diluted to
// near-zero, then escalates sharply as the raw score grows more negative.
// The borderline band just above zero still contributes a mild score.
const (
	anomalyBaseline   = 40.0
	anomalySlope      = 300.0
	borderlineCeiling = 0.2
	borderlineBase    = 20.0
	borderlineSlope   = 100.0
)

// Scorer computes the anomaly contribution of one statement. It owns the
// model handle (swapped atomically on reload) and the per-identity request
// frequency counter in the shared store. All failures degrade to a zero
// contribution; the scorer never aborts the pipeline.
type Scorer struct {
	store   *core.RedisClient
	model   atomic.Pointer[IsolationForest]
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewScorer creates a scorer without a model loaded. A scorer with no model
// contributes zero and defers entirely to rule-based overrides.
func NewScorer(store *core.RedisClient, logger *zap.SugaredLogger) *Scorer {
	return &Scorer{
		store:   store,
		breaker: core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig()),
		logger:  logger,
	}
}

// SetModel swaps the active model atomically. Passing nil disables inference.
func (s *Scorer) SetModel(forest *IsolationForest) {
	s.model.Store(forest)
}

// ModelLoaded reports whether a model is currently active.
func (s *Scorer) ModelLoaded() bool {
	return s.model.Load() != nil
}

// LoadModelFile loads and activates a persisted model. On failure the
// current model (if any) stays active.
func (s *Scorer) LoadModelFile(path string) error {
	forest, err := LoadModel(path)
	if err != nil {
		metrics.ModelReloads.WithLabelValues("error").Inc()
		return err
	}
	s.model.Store(forest)
	metrics.ModelReloads.WithLabelValues("ok").Inc()
	s.logger.Infof("Anomaly model loaded from %s (%d trees)", path, len(forest.Trees))
	return nil
}

// Score returns the anomaly contribution in [0, 100] for one statement.
//
// Side effects are limited to the frequency counter increment: unlike the
// state machine, the scorer never writes the identity's stored risk score.
// All accumulation flows through the atomic transition so concurrent
// statements cannot double-count.
func (s *Scorer) Score(ctx context.Context, identity string, ts time.Time, sql string, feats *analysis.Features, meta ExecMeta) float64 {
	freq := s.bumpFrequency(ctx, identity, ts)

	forest := s.model.Load()
	if forest == nil {
		return 0
	}

	vec := BuildVector(ts, freq, analysis.TypeWeight(sql), feats, meta)

	var raw float64
	start := time.Now()
	err := s.breaker.Execute(func() error {
		var inferErr error
		raw, inferErr = forest.DecisionFunction(vec)
		return inferErr
	})
	metrics.AnomalyInferenceDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if err != core.ErrCircuitBreakerOpen {
			s.logger.Warnw("Anomaly inference failed, contributing zero",
				"identity", identity, "error", err)
		}
		return 0
	}

	return mapRawScore(raw)
}

// bumpFrequency increments the per-identity one-minute counter. On store
// failure the statement is treated as the first of its minute.
func (s *Scorer) bumpFrequency(ctx context.Context, identity string, ts time.Time) int64 {
	key := core.FreqKey(identity, ts.Unix()/60)
	n, err := s.store.IncrWithExpire(ctx, key, 60*time.Second)
	if err != nil {
		s.logger.Debugw("Frequency counter unavailable", "identity", identity, "error", err)
		return 1
	}
	return n
}

// mapRawScore converts the raw decision-function value into a bounded risk
// contribution. The mapping is monotonic and saturating.
func mapRawScore(raw float64) float64 {
	var risk float64
	switch {
	case raw < 0:
		risk = anomalyBaseline + (-raw)*anomalySlope
	case raw < borderlineCeiling:
		risk = borderlineBase + (borderlineCeiling-raw)*borderlineSlope
	default:
		risk = 0
	}

	if risk > 100 {
		return 100
	}
	if risk < 0 {
		return 0
	}
	return risk
}
