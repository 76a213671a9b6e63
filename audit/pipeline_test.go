package audit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deepaudit/analysis"
	"deepaudit/config"
	"deepaudit/core"
	"deepaudit/dlp"
	"deepaudit/ml"
	"deepaudit/risk"
)

type memorySink struct {
	mu      sync.Mutex
	records []*core.AuditRecord
}

func (s *memorySink) Submit(r *core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memorySink) all() []*core.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.AuditRecord(nil), s.records...)
}

type testPipeline struct {
	pipeline *Pipeline
	sink     *memorySink
	mr       *miniredis.Miniredis
}

func newTestPipeline(t *testing.T, excluded []string) *testPipeline {
	t.Helper()

	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()
	rc := core.NewRedisClient(mr.Addr(), "", 0, 4, time.Second, logger)
	t.Cleanup(func() { rc.Close() })

	params := &config.ParamStore{}
	require.NoError(t, params.Apply(config.RiskParams{
		DecayRate:            0.5,
		ObservationThreshold: 40,
		BlockThreshold:       100,
		WindowTTL:            300,
	}))

	classifier := dlp.NewClassifier(logger)
	classifier.Reload([]core.SensitiveTable{
		{Name: "users", Level: 1, Coefficient: 1.0},
		{Name: "salaries", Level: 4, Coefficient: 1.25},
	}, nil)

	cache, err := analysis.NewFeatureCache(128)
	require.NoError(t, err)

	sm := risk.NewStateMachine(context.Background(), rc, params, nil, nil, logger)
	sink := &memorySink{}
	p := NewPipeline(cache, classifier, ml.NewScorer(rc, logger), sm, sink, excluded, logger)

	return &testPipeline{pipeline: p, sink: sink, mr: mr}
}

func event(identity, sql string) *core.StatementEvent {
	return &core.StatementEvent{
		Identity:  identity,
		SQL:       sql,
		Timestamp: time.Now(),
		ClientApp: "app",
		ClientIP:  "10.0.0.1",
		Source:    "driver",
	}
}

func TestProcessAllowsBenignStatement(t *testing.T) {
	tp := newTestPipeline(t, nil)

	d, err := tp.pipeline.Process(context.Background(), event("alice", "SELECT id FROM widgets WHERE id = 1"))
	require.NoError(t, err)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Equal(t, core.StateNormal, d.State)

	records := tp.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Identity)
	assert.Equal(t, "SELECT", records[0].Operation)
	assert.Equal(t, "widgets", records[0].Tables)
	assert.Equal(t, core.ActionAllow, records[0].Action)
	assert.Equal(t, core.FeedbackPending, records[0].FeedbackStatus)
	assert.NotEmpty(t, records[0].TraceID)
}

func TestProcessBlocksAlwaysTruePredicate(t *testing.T) {
	tp := newTestPipeline(t, nil)

	d, err := tp.pipeline.Process(context.Background(), event("alice", "SELECT * FROM widgets WHERE 1 = 1"))
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))
	assert.Equal(t, core.ActionBlock, d.Action)
	assert.Equal(t, core.StateBlocked, d.State)
	assert.Equal(t, 100.0, d.Score)

	records := tp.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, 100.0, records[0].RiskScore)
	assert.True(t, records[0].HasAlwaysTrue)
	assert.Equal(t, core.ActionBlock, records[0].Action)
}

func TestProcessDeniesDDLBelowBlockThreshold(t *testing.T) {
	tp := newTestPipeline(t, nil)

	ev, err := tp.pipeline.Evaluate(context.Background(), event("admin", "DROP TABLE widgets"))
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))

	// The structural floor puts the statement at 80: under the block
	// threshold, so the identity lands in OBSERVATION, but the statement
	// itself is refused.
	assert.Equal(t, 80.0, ev.RiskScore)
	assert.Equal(t, core.ActionBlock, ev.Decision.Action)
	assert.Equal(t, core.StateObservation, ev.Decision.State)
	assert.True(t, tp.mr.Exists(core.WindowKey("admin")))
}

func TestProcessDeniesEmbeddedDestructiveClause(t *testing.T) {
	tp := newTestPipeline(t, nil)

	// The destructive keyword is not in leading position; the floor and the
	// statement-level denial still apply.
	ev, err := tp.pipeline.Evaluate(context.Background(), event("admin", "ALTER TABLE accounts DROP COLUMN ssn"))
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))
	assert.Equal(t, "ALTER", ev.Operation)
	assert.Equal(t, 80.0, ev.RiskScore)
	assert.Equal(t, core.ActionBlock, ev.Decision.Action)
}

func TestSensitiveTableScoresAccumulate(t *testing.T) {
	tp := newTestPipeline(t, nil)
	ctx := context.Background()

	// Each touch of a level-1 table contributes 15 points.
	for i := 0; i < 2; i++ {
		d, err := tp.pipeline.Process(ctx, event("bob", "SELECT name FROM users WHERE id = 1"))
		require.NoError(t, err)
		assert.Equal(t, core.ActionAllow, d.Action)
	}

	d, err := tp.pipeline.Process(ctx, event("bob", "SELECT name FROM users WHERE id = 1"))
	require.NoError(t, err)
	assert.Equal(t, core.ActionWarning, d.Action)
	assert.Equal(t, core.StateObservation, d.State)
	assert.GreaterOrEqual(t, d.Score, 40.0)
	assert.True(t, tp.mr.Exists(core.WindowKey("bob")))
}

func TestProcessBlocksHighSensitivityEscalation(t *testing.T) {
	tp := newTestPipeline(t, nil)
	ctx := context.Background()

	// 75 per statement; the second pushes past the block threshold.
	_, err := tp.pipeline.Process(ctx, event("eve", "SELECT * FROM salaries"))
	require.NoError(t, err)

	d, err := tp.pipeline.Process(ctx, event("eve", "SELECT * FROM salaries"))
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))
	assert.Equal(t, core.ActionBlock, d.Action)
	assert.Equal(t, core.StateBlocked, d.State)
}

func TestInternalTablesSkipped(t *testing.T) {
	tp := newTestPipeline(t, nil)

	d, err := tp.pipeline.Process(context.Background(), event("svc", "SELECT * FROM audit_log WHERE identity = 'x'"))
	require.NoError(t, err)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Empty(t, tp.sink.all(), "internal-table statements must not be audited")
}

func TestExcludedTablesSkipped(t *testing.T) {
	tp := newTestPipeline(t, []string{"Metrics_Raw"})

	d, err := tp.pipeline.Process(context.Background(), event("svc", "DELETE FROM metrics_raw WHERE ts < 100"))
	require.NoError(t, err)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Empty(t, tp.sink.all())
}

func TestMixedInternalAndUserTablesAreScored(t *testing.T) {
	tp := newTestPipeline(t, nil)

	d, err := tp.pipeline.Process(context.Background(),
		event("svc", "SELECT a.identity, u.name FROM audit_log a JOIN users u ON a.identity = u.name"))
	require.NoError(t, err)
	assert.Equal(t, core.ActionAllow, d.Action)
	require.Len(t, tp.sink.all(), 1, "touching a user table alongside internal ones is still audited")
}

func TestPrecheckRejectsBlockedIdentity(t *testing.T) {
	tp := newTestPipeline(t, nil)
	ctx := context.Background()

	key := core.ProfileKey("mallory")
	tp.mr.HSet(key, "score", "120")
	tp.mr.HSet(key, "state", string(core.StateBlocked))
	tp.mr.HSet(key, "ts", strconv.FormatInt(time.Now().Unix(), 10))

	err := tp.pipeline.Precheck(ctx, "mallory")
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))

	assert.NoError(t, tp.pipeline.Precheck(ctx, "alice"))
}

func TestEvaluateFailsOpenWhenStoreDown(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.mr.Close()

	d, err := tp.pipeline.Process(context.Background(), event("alice", "SELECT id FROM widgets"))
	require.NoError(t, err)
	assert.Equal(t, core.ActionAllow, d.Action)
}

func TestAuditCarriesPostExecutionMetadata(t *testing.T) {
	tp := newTestPipeline(t, nil)

	ev := event("alice", "SELECT id FROM widgets WHERE id = 1")
	evaluation, err := tp.pipeline.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	ev.Duration = 42 * time.Millisecond
	ev.AffectedRows = 7
	ev.ErrorCode = 0
	tp.pipeline.Audit(ev, evaluation)

	records := tp.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, int64(42), records[0].DurationMs)
	assert.Equal(t, int64(7), records[0].AffectedRows)
}
