package session

import "github.com/redis/go-redis/v9"

// createScript claims a normalized username and writes the session in one step.
// A name whose holder session has expired is reclaimed, and the stale holder's
// leaderboard entry is dropped.
//
// KEYS: username index, new session, leaderboard
// ARGV: normalized, session id, session key prefix, username, now (ms), ttl (s)
var createScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], ARGV[1])
if holder then
	if redis.call('EXISTS', ARGV[3] .. holder) == 1 then
		return 0
	end
	redis.call('ZREM', KEYS[3], holder)
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2],
	'username', ARGV[4],
	'normalized', ARGV[1],
	'createdAt', ARGV[5],
	'lastActive', ARGV[5],
	'score', '0')
redis.call('EXPIRE', KEYS[2], ARGV[6])
return 1
`)

// deleteScript removes a session, its leaderboard entry and its username claim.
// The claim is only released while it still points at this session.
//
// KEYS: session, username index, leaderboard
// ARGV: session id
var deleteScript = redis.NewScript(`
local normalized = redis.call('HGET', KEYS[1], 'normalized')
if not normalized then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if redis.call('HGET', KEYS[2], normalized) == ARGV[1] then
	redis.call('HDEL', KEYS[2], normalized)
end
return 1
`)

// touchScript refreshes activity and TTL of a live session, never recreating an expired one.
//
// KEYS: session
// ARGV: now (ms), ttl (s)
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'lastActive', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)
