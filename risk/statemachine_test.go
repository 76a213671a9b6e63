package risk

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

	"deepaudit/config"
	"deepaudit/core"
)

func defaultParams(t *testing.T) *config.ParamStore {
	t.Helper()
	return paramsWith(t, config.RiskParams{
		DecayRate:            0.5,
		ObservationThreshold: 40,
		BlockThreshold:       100,
		WindowTTL:            300,
	})
}

func paramsWith(t *testing.T, p config.RiskParams) *config.ParamStore {
	t.Helper()
	s := &config.ParamStore{}
	require.NoError(t, s.Apply(p))
	return s
}

func newTestStateMachine(t *testing.T, params *config.ParamStore) (*StateMachine, *core.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()
	rc := core.NewRedisClient(mr.Addr(), "", 0, 4, time.Second, logger)
	t.Cleanup(func() { rc.Close() })
	sm := NewStateMachine(context.Background(), rc, params, nil, nil, logger)
	return sm, rc, mr
}

func seedProfile(t *testing.T, mr *miniredis.Miniredis, identity string, score float64, state core.RiskState, ts int64) {
	t.Helper()
	key := core.ProfileKey(identity)
	mr.HSet(key, "score", strconv.FormatFloat(score, 'f', -1, 64))
	mr.HSet(key, "state", string(state))
	mr.HSet(key, "ts", strconv.FormatInt(ts, 10))
}

// runScript drives the transition script directly with an explicit clock so
// decay arithmetic can be asserted deterministically.
func runScript(t *testing.T, rc *core.RedisClient, identity string, incoming float64, now int64, p config.RiskParams, mode string) core.Decision {
	t.Helper()
	res, err := rc.EvalSha(context.Background(), "", transitionScript,
		[]string{core.ProfileKey(identity), core.WindowKey(identity)},
		incoming, now, p.DecayRate, p.ObservationThreshold, p.BlockThreshold, p.WindowTTL, mode)
	require.NoError(t, err)
	d, err := parseTransition(res)
	require.NoError(t, err)
	return d
}

func TestTransitionFirstStatement(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)

	d := runScript(t, rc, "alice", 15, 1000, params.Current(), modeEvaluate)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Equal(t, core.StateNormal, d.State)
	assert.Equal(t, 15.0, d.Score)

	score := mr.HGet(core.ProfileKey("alice"), "score")
	assert.Equal(t, "15", score)
	assert.False(t, mr.Exists(core.WindowKey("alice")))
}

func TestTransitionDecayIsBoundedAtZero(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "idle", 100, core.StateBlocked, 1000)

	// 400s at 0.5/s decays 200 points; the score floors at zero.
	d := runScript(t, rc, "idle", 0, 1400, params.Current(), modeRefresh)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Equal(t, core.StateNormal, d.State)
	assert.Equal(t, 0.0, d.Score)

	state := mr.HGet(core.ProfileKey("idle"), "state")
	assert.Equal(t, "NORMAL", state)
}

func TestTransitionPartialDecay(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "carol", 60, core.StateObservation, 1000)

	// 60 - 0.5*20 = 50, plus incoming 10 = 60: still observing.
	d := runScript(t, rc, "carol", 10, 1020, params.Current(), modeEvaluate)
	assert.Equal(t, core.ActionWarning, d.Action)
	assert.Equal(t, core.StateObservation, d.State)
	assert.Equal(t, 60.0, d.Score)
	assert.True(t, mr.Exists(core.WindowKey("carol")))
}

func TestTransitionClockSkewDoesNotInflateDecay(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "skew", 50, core.StateObservation, 2000)

	// Stored ts is ahead of now; elapsed clamps to zero instead of going
	// negative and inflating the score.
	d := runScript(t, rc, "skew", 0, 1000, params.Current(), modeRefresh)
	assert.Equal(t, 50.0, d.Score)
}

func TestRefreshOnlyLeavesWindowUntouched(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "dave", 70, core.StateObservation, 1000)

	runScript(t, rc, "dave", 0, 1000, params.Current(), modeRefresh)
	assert.False(t, mr.Exists(core.WindowKey("dave")), "a decay probe must not re-arm the window")

	runScript(t, rc, "dave", 0, 1000, params.Current(), modeEvaluate)
	assert.True(t, mr.Exists(core.WindowKey("dave")))
}

func TestExpireModeEscalatesInsideTransition(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "frank", 55, core.StateObservation, 1000)

	// The lapsed window re-evaluation writes BLOCKED in the same atomic
	// cycle that reads the decayed score, so nothing can interleave.
	d := runScript(t, rc, "frank", 0, 1000, params.Current(), modeExpire)
	assert.Equal(t, core.ActionBlock, d.Action)
	assert.Equal(t, core.StateBlocked, d.State)
	assert.Equal(t, "BLOCKED", mr.HGet(core.ProfileKey("frank"), "state"))
	assert.False(t, mr.Exists(core.WindowKey("frank")))

	// A follow-up statement sees the sticky block, not a stale OBSERVATION.
	d = runScript(t, rc, "frank", 5, 1001, params.Current(), modeEvaluate)
	assert.Equal(t, core.ActionBlock, d.Action)
	assert.Equal(t, core.StateBlocked, d.State)
}

func TestExpireModeSettlesBelowThreshold(t *testing.T) {
	params := defaultParams(t)
	_, rc, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "grace", 20, core.StateObservation, 1000)

	d := runScript(t, rc, "grace", 0, 1000, params.Current(), modeExpire)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Equal(t, core.StateNormal, d.State)
	assert.Equal(t, "NORMAL", mr.HGet(core.ProfileKey("grace"), "state"))
}

func TestEvaluateAccumulatesIntoObservation(t *testing.T) {
	params := defaultParams(t)
	sm, _, mr := newTestStateMachine(t, params)
	ctx := context.Background()

	d := sm.Evaluate(ctx, "bob", 15)
	assert.Equal(t, core.ActionAllow, d.Action)

	d = sm.Evaluate(ctx, "bob", 15)
	assert.Equal(t, core.ActionAllow, d.Action)

	// Third statement pushes the accumulated score past the observation
	// threshold; at most a couple of decay seconds can have elapsed.
	d = sm.Evaluate(ctx, "bob", 15)
	assert.Equal(t, core.ActionWarning, d.Action)
	assert.Equal(t, core.StateObservation, d.State)
	assert.GreaterOrEqual(t, d.Score, 40.0)

	require.True(t, mr.Exists(core.WindowKey("bob")))
	ttl := mr.TTL(core.WindowKey("bob"))
	assert.Greater(t, ttl, 290*time.Second)
	assert.LessOrEqual(t, ttl, 300*time.Second)
}

func TestEvaluateBlocksAtThreshold(t *testing.T) {
	params := defaultParams(t)
	sm, _, mr := newTestStateMachine(t, params)

	d := sm.Evaluate(context.Background(), "mallory", 120)
	assert.Equal(t, core.ActionBlock, d.Action)
	assert.Equal(t, core.StateBlocked, d.State)

	state := mr.HGet(core.ProfileKey("mallory"), "state")
	assert.Equal(t, "BLOCKED", state)
}

func TestBlockedStateStickyAboveObservation(t *testing.T) {
	params := defaultParams(t)
	sm, _, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "eve", 50, core.StateBlocked, time.Now().Unix())

	// 50 is under the block threshold, but a stored BLOCKED state holds
	// until the score decays below the observation threshold.
	d := sm.Evaluate(context.Background(), "eve", 0)
	assert.Equal(t, core.ActionBlock, d.Action)
	assert.Equal(t, core.StateBlocked, d.State)
}

func TestBlockedStateReleasesBelowObservation(t *testing.T) {
	params := defaultParams(t)
	sm, _, mr := newTestStateMachine(t, params)
	seedProfile(t, mr, "eve", 10, core.StateBlocked, time.Now().Unix())

	d := sm.Evaluate(context.Background(), "eve", 0)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Equal(t, core.StateNormal, d.State)
}

func TestConcurrentEvaluationsLoseNoScore(t *testing.T) {
	params := paramsWith(t, config.RiskParams{
		DecayRate:            0, // freeze decay so the sum is exact
		ObservationThreshold: 1000,
		BlockThreshold:       2000,
		WindowTTL:            300,
	})
	sm, _, mr := newTestStateMachine(t, params)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			sm.Evaluate(context.Background(), "burst", 1)
		}()
	}
	wg.Wait()

	raw := mr.HGet(core.ProfileKey("burst"), "score")
	score, err := strconv.ParseFloat(raw, 64)
	require.NoError(t, err)
	assert.Equal(t, float64(n), score)
}

func TestEvaluateFailsOpenOnStoreLoss(t *testing.T) {
	params := defaultParams(t)
	sm, _, mr := newTestStateMachine(t, params)
	mr.Close()

	d := sm.Evaluate(context.Background(), "alice", 90)
	assert.Equal(t, core.ActionAllow, d.Action)
	assert.Equal(t, core.StateNormal, d.State)
	assert.Equal(t, 0.0, d.Score)
}

func TestRefresherSweepDecaysIdleProfiles(t *testing.T) {
	params := defaultParams(t)
	sm, rc, mr := newTestStateMachine(t, params)
	logger := zaptest.NewLogger(t).Sugar()

	past := time.Now().Add(-10 * time.Minute).Unix()
	seedProfile(t, mr, "idle1", 90, core.StateObservation, past)
	seedProfile(t, mr, "idle2", 30, core.StateNormal, past)

	NewRefresher(rc, sm, time.Minute, logger).Sweep(context.Background())

	for _, id := range []string{"idle1", "idle2"} {
		raw := mr.HGet(core.ProfileKey(id), "score")
		score, err := strconv.ParseFloat(raw, 64)
		require.NoError(t, err)
		assert.Equal(t, 0.0, score, "identity %s", id)
	}

	state := mr.HGet(core.ProfileKey("idle1"), "state")
	assert.Equal(t, "NORMAL", state)
}
