// Package risk holds the scoring combiner and the per-identity risk state
// machine backed by an atomic Redis Lua transition.
package risk

// transitionScript performs one read-decay-accumulate-classify-write cycle
// for an identity's risk profile. Running it as a single Lua script makes
// concurrent evaluations for the same identity linearizable: no accumulated
// score is ever lost to a racing writer.
//
// A stored BLOCKED state is sticky while the decayed score stays at or above
// the observation threshold, so an identity escalated on window expiry stays
// blocked until its score decays back under the threshold.
//
// KEYS[1] profile hash  (fields: score, state, ts)
// KEYS[2] observation window key
//
// ARGV[1] incoming score
// ARGV[2] current unix time, seconds
// ARGV[3] decay rate, points per second
// ARGV[4] observation threshold
// ARGV[5] block threshold
// ARGV[6] window ttl, seconds
// ARGV[7] mode:
//   "evaluate"  normal accumulation; arms or re-arms the window
//   "refresh"   decay-only probe; the window key is left untouched
//   "expire"    window just lapsed; a score still at or above the
//               observation threshold escalates to BLOCKED, inside the same
//               atomic cycle so a racing evaluation cannot overwrite it
//
// Returns {state, score, action}.
const transitionScript = `
local profileKey = KEYS[1]
local windowKey = KEYS[2]

local incoming = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local decayRate = tonumber(ARGV[3])
local obsThreshold = tonumber(ARGV[4])
local blockThreshold = tonumber(ARGV[5])
local windowTtl = tonumber(ARGV[6])
local mode = ARGV[7]

local stored = redis.call('HMGET', profileKey, 'score', 'state', 'ts')
local score = tonumber(stored[1]) or 0
local prevState = stored[2] or 'NORMAL'
local ts = tonumber(stored[3]) or now

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end

local decayed = score - decayRate * elapsed
if decayed < 0 then
  decayed = 0
end

local newScore = decayed + incoming

local state = 'NORMAL'
local action = 'ALLOW'
if newScore >= blockThreshold then
  state = 'BLOCKED'
  action = 'BLOCK'
elseif newScore >= obsThreshold then
  if prevState == 'BLOCKED' or mode == 'expire' then
    state = 'BLOCKED'
    action = 'BLOCK'
  else
    state = 'OBSERVATION'
    action = 'WARNING'
    if mode == 'evaluate' then
      redis.call('SET', windowKey, '1', 'EX', windowTtl)
    end
  end
end

redis.call('HSET', profileKey, 'score', tostring(newScore), 'state', state, 'ts', tostring(now))

return {state, tostring(newScore), action}
`
