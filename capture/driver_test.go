package capture

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deepaudit/analysis"
	"deepaudit/audit"
	"deepaudit/config"
	"deepaudit/core"
	"deepaudit/dlp"
	"deepaudit/ml"
	"deepaudit/risk"
)

type fakeConn struct {
	mu      sync.Mutex
	execs   []string
	queries []string
	execErr error
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, driver.ErrSkip }

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		return nil, c.execErr
	}
	c.execs = append(c.execs, query)
	return fakeResult{affected: 3}, nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	return &fakeRows{}, nil
}

func (c *fakeConn) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(append([]string(nil), c.execs...), c.queries...)
}

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return 0 }

func (s *fakeStmt) Exec(_ []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, nil)
}

func (s *fakeStmt) Query(_ []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, nil)
}

type fakeResult struct{ affected int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRows struct{}

func (r *fakeRows) Columns() []string           { return nil }
func (r *fakeRows) Close() error                { return nil }
func (r *fakeRows) Next(_ []driver.Value) error { return io.EOF }

type fakeDriver struct{ conn *fakeConn }

func (d *fakeDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

type recordSink struct {
	mu      sync.Mutex
	records []*core.AuditRecord
}

func (s *recordSink) Submit(r *core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *recordSink) all() []*core.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.AuditRecord(nil), s.records...)
}

type captureHarness struct {
	ic   *Interceptor
	conn *fakeConn
	sink *recordSink
	mr   *miniredis.Miniredis
}

func (h *captureHarness) open(t *testing.T) driver.Conn {
	t.Helper()
	wrapped := WrapDriver(&fakeDriver{conn: h.conn}, h.ic)
	conn, err := wrapped.Open("dsn")
	require.NoError(t, err)
	return conn
}

func newHarness(t *testing.T) *captureHarness {
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

	cache, err := analysis.NewFeatureCache(128)
	require.NoError(t, err)

	sm := risk.NewStateMachine(context.Background(), rc, params, nil, nil, logger)
	sink := &recordSink{}
	pipeline := audit.NewPipeline(cache, dlp.NewClassifier(logger), ml.NewScorer(rc, logger), sm, sink, nil, logger)

	return &captureHarness{
		ic:   NewInterceptor(pipeline, "", "", logger),
		conn: &fakeConn{},
		sink: sink,
		mr:   mr,
	}
}

func TestIdentityResolutionPrecedence(t *testing.T) {
	h := newHarness(t)
	ctx := WithIdentity(context.Background(), "ctx-user")

	assert.Equal(t, "hint-user", h.ic.resolveIdentity(ctx, "/* user_id:hint-user */ SELECT 1"))
	assert.Equal(t, "ctx-user", h.ic.resolveIdentity(ctx, "SELECT 1"))
	assert.Equal(t, "anonymous", h.ic.resolveIdentity(context.Background(), "SELECT 1"))
}

func TestExecContextAllowsAndAudits(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t).(driver.ExecerContext)
	ctx := WithIdentity(context.Background(), "alice")

	res, err := conn.ExecContext(ctx, "UPDATE widgets SET name = 'x' WHERE id = 1", nil)
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Identity)
	assert.Equal(t, "UPDATE", records[0].Operation)
	assert.Equal(t, core.ActionAllow, records[0].Action)
	assert.Equal(t, int64(3), records[0].AffectedRows)
	assert.Equal(t, "driver", records[0].Source)
}

func TestExecContextDeniesDDLBeforeExecution(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t).(driver.ExecerContext)

	_, err := conn.ExecContext(context.Background(), "DROP TABLE widgets", nil)
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))
	assert.Empty(t, h.conn.executed(), "denied statement must never reach the wrapped driver")

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.ActionBlock, records[0].Action)
}

func TestQueryContextRejectsBlockedIdentity(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t).(driver.QueryerContext)

	key := core.ProfileKey("mallory")
	h.mr.HSet(key, "score", "150")
	h.mr.HSet(key, "state", string(core.StateBlocked))
	h.mr.HSet(key, "ts", "9999999999") // far future; no decay applies

	ctx := WithIdentity(context.Background(), "mallory")
	_, err := conn.QueryContext(ctx, "SELECT * FROM widgets", nil)
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))
	assert.Empty(t, h.conn.executed())

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "mallory", records[0].Identity)
	assert.Equal(t, core.ActionBlock, records[0].Action)
	assert.Equal(t, core.StateBlocked, records[0].State)
}

func TestHintIdentityFlowsIntoAudit(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t).(driver.QueryerContext)

	_, err := conn.QueryContext(context.Background(), "/* user_id:carol */ SELECT id FROM widgets", nil)
	require.NoError(t, err)

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "carol", records[0].Identity)
	assert.NotContains(t, records[0].SQL, "user_id", "the hint comment is stripped from the audited text")

	// The hint stays in the statement handed to the wrapped driver.
	executed := h.conn.executed()
	require.Len(t, executed, 1)
	assert.Contains(t, executed[0], "user_id:carol")
}

func TestPreparedStatementPathIsIntercepted(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t)

	stmt, err := conn.Prepare("DROP TABLE widgets")
	require.NoError(t, err)

	_, err = stmt.Exec(nil)
	require.Error(t, err)
	assert.True(t, core.IsRiskControl(err))
	assert.Empty(t, h.conn.executed())
}

func TestExecErrorIsAuditedWithErrorCode(t *testing.T) {
	h := newHarness(t)
	h.conn.execErr = errors.New("syntax error near SET")
	conn := h.open(t).(driver.ExecerContext)

	_, err := conn.ExecContext(context.Background(), "UPDATE widgets SET", nil)
	require.Error(t, err)
	assert.False(t, core.IsRiskControl(err), "driver errors pass through unchanged")

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].ErrorCode)
}

func TestInjectHintRoundTrip(t *testing.T) {
	hinted := analysis.InjectHint("SELECT 1", "dave")
	assert.Equal(t, "dave", analysis.ExtractHint(hinted))
	assert.Equal(t, hinted, analysis.InjectHint(hinted, "other"), "an existing hint is never overwritten")
}
