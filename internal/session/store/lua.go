package store

import "github.com/redis/go-redis/v9"

// luaAppendEvent appends an event atomically against the session's
// monotonic counter. The event is stored as "<seq>|<json>" in a sorted set
// scored by seq, so two concurrent appenders serialize inside Redis and no
// client-side retry loop is needed.
//
// KEYS[1] = session:{id} hash, KEYS[2] = agents:{id} set, KEYS[3] = events:{id} zset
// ARGV[1] = actor, ARGV[2] = event JSON (seq unset), ARGV[3] = now (unix ms),
// ARGV[4] = max events per session
//
// Returns {seq, eventsSinceCheckpoint} on success, or a negative sentinel:
// 0 session not found, -1 expired or closed, -2 actor not joined.
var luaAppendEvent = redis.NewScript(`
local sessionKey = KEYS[1]
local agentsKey = KEYS[2]
local eventsKey = KEYS[3]

local actor = ARGV[1]
local eventJSON = ARGV[2]
local now = tonumber(ARGV[3])
local maxEvents = tonumber(ARGV[4])

if redis.call('EXISTS', sessionKey) == 0 then
    return {0, 0}
end

local state = redis.call('HGET', sessionKey, 'state')
if state == 'closed' then
    return {-1, 0}
end

local ttl = tonumber(redis.call('HGET', sessionKey, 'ttl_seconds') or '0')
local lastActivity = tonumber(redis.call('HGET', sessionKey, 'last_activity_ms') or '0')
if ttl > 0 and (now - lastActivity) > ttl * 1000 then
    return {-1, 0}
end

if redis.call('SISMEMBER', agentsKey, actor) == 0 then
    return {-2, 0}
end

local seq = redis.call('HINCRBY', sessionKey, 'next_seq', 1)
redis.call('ZADD', eventsKey, seq, string.format('%d|%s', seq, eventJSON))
redis.call('HSET', sessionKey, 'last_activity_ms', now)
local esc = redis.call('HINCRBY', sessionKey, 'events_since_checkpoint', 1)

if maxEvents > 0 then
    redis.call('ZREMRANGEBYRANK', eventsKey, 0, -(maxEvents + 1))
end

if ttl > 0 then
    local grace = tonumber(redis.call('HGET', sessionKey, 'grace_ttl_seconds') or '0')
    local expiry = ttl + grace
    redis.call('EXPIRE', sessionKey, expiry)
    redis.call('EXPIRE', agentsKey, expiry)
    redis.call('EXPIRE', eventsKey, expiry)
end

return {seq, esc}
`)
