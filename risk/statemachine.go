package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"deepaudit/config"
	"deepaudit/core"
	"deepaudit/metrics"
)

// ProfileMirror receives best-effort copies of profile transitions for
// durable storage. Implemented by the SQLite store.
type ProfileMirror interface {
	UpsertProfile(ctx context.Context, profile *core.RiskProfile) error
}

// StateMachine owns the per-identity risk lifecycle. All score accumulation
// and state classification happens inside a single Redis Lua script, so the
// store is the only source of truth and concurrent callers cannot interleave.
type StateMachine struct {
	redis  *core.RedisClient
	params *config.ParamStore
	pool   *core.WorkerPool
	mirror ProfileMirror
	logger *zap.SugaredLogger

	scriptSHA string
}

// NewStateMachine builds the state machine and preloads the transition
// script. A load failure is not fatal; EvalSha falls back to EVAL.
func NewStateMachine(ctx context.Context, redis *core.RedisClient, params *config.ParamStore, pool *core.WorkerPool, mirror ProfileMirror, logger *zap.SugaredLogger) *StateMachine {
	sm := &StateMachine{
		redis:  redis,
		params: params,
		pool:   pool,
		mirror: mirror,
		logger: logger,
	}
	sha, err := redis.ScriptLoad(ctx, transitionScript)
	if err != nil {
		logger.Warnw("transition script preload failed, will fall back to EVAL", "error", err)
	} else {
		sm.scriptSHA = sha
	}
	return sm
}

// Transition modes, passed through to the Lua script.
const (
	modeEvaluate = "evaluate"
	modeRefresh  = "refresh"
	modeExpire   = "expire"
)

// Evaluate accumulates an incoming score onto the identity's decayed profile
// and returns the resulting decision. Store failures fail open: the caller
// gets ALLOW and the failure is counted.
func (sm *StateMachine) Evaluate(ctx context.Context, identity string, score float64) core.Decision {
	return sm.transition(ctx, identity, score, modeEvaluate)
}

// Refresh applies decay without accumulating new score and without touching
// the observation window. Used by the decay sweeper to re-read a profile
// passively.
func (sm *StateMachine) Refresh(ctx context.Context, identity string) core.Decision {
	return sm.transition(ctx, identity, 0, modeRefresh)
}

// ExpireWindow handles a lapsed observation window: decay-only like Refresh,
// but a score still at or above the observation threshold escalates to
// BLOCKED. The escalation happens inside the Lua transition so a concurrent
// evaluation for the same identity cannot overwrite it.
func (sm *StateMachine) ExpireWindow(ctx context.Context, identity string) core.Decision {
	return sm.transition(ctx, identity, 0, modeExpire)
}

func (sm *StateMachine) transition(ctx context.Context, identity string, score float64, mode string) core.Decision {
	p := sm.params.Current()
	now := time.Now().Unix()

	res, err := sm.redis.EvalSha(ctx, sm.scriptSHA, transitionScript,
		[]string{core.ProfileKey(identity), core.WindowKey(identity)},
		score, now, p.DecayRate, p.ObservationThreshold, p.BlockThreshold, p.WindowTTL, mode)
	if err != nil {
		metrics.ScriptFailOpen.Inc()
		sm.logger.Errorw("risk transition failed, failing open", "identity", identity, "error", err)
		return core.Decision{Action: core.ActionAllow, State: core.StateNormal, Score: 0}
	}

	decision, err := parseTransition(res)
	if err != nil {
		metrics.ScriptFailOpen.Inc()
		sm.logger.Errorw("unexpected transition result, failing open", "identity", identity, "error", err)
		return core.Decision{Action: core.ActionAllow, State: core.StateNormal, Score: 0}
	}

	sm.mirrorAsync(identity, decision, now)
	return decision
}

func parseTransition(res interface{}) (core.Decision, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return core.Decision{}, fmt.Errorf("transition returned %T, want 3-element array", res)
	}
	state, ok1 := arr[0].(string)
	scoreStr, ok2 := arr[1].(string)
	action, ok3 := arr[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return core.Decision{}, fmt.Errorf("transition elements are not strings: %v", arr)
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return core.Decision{}, fmt.Errorf("transition score %q: %w", scoreStr, err)
	}
	return core.Decision{
		Action: core.Action(action),
		State:  core.RiskState(state),
		Score:  score,
	}, nil
}

// mirrorAsync copies the transition outcome to durable storage off the hot
// path. Queue pressure drops the mirror write, never the decision.
func (sm *StateMachine) mirrorAsync(identity string, d core.Decision, ts int64) {
	if sm.mirror == nil || sm.pool == nil {
		return
	}
	profile := &core.RiskProfile{
		Identity:  identity,
		Score:     d.Score,
		State:     d.State,
		UpdatedAt: time.Unix(ts, 0),
	}
	err := sm.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sm.mirror.UpsertProfile(ctx, profile); err != nil {
			sm.logger.Warnw("profile mirror write failed", "identity", identity, "error", err)
		}
	})
	if err != nil {
		sm.logger.Debugw("profile mirror dropped", "identity", identity, "error", err)
	}
}
