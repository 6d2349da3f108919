package redisq

import "github.com/redis/go-redis/v9"

// Atomicity for every queue transition comes from server-side Lua, the same
// way the scheduler's leader-election renewal works: check-and-act in one
// round trip so no two workers can act on the same lease.

// enqueueScript pushes an envelope onto the ready list unless its ID was
// already seen (idempotent enqueue under producer retry).
// KEYS: {ready}
// ARGV: {id, envelopeJSON, seenKey, seenTTLMs, envKey}
var enqueueScript = redis.NewScript(`
	if redis.call("SET", ARGV[3], "1", "NX", "PX", ARGV[4]) == false then
		return 0
	end
	redis.call("SET", ARGV[5], ARGV[2])
	redis.call("RPUSH", KEYS[1], ARGV[1])
	return 1
`)

// dequeueScript promotes due delayed entries and expired leases back onto the
// ready list, then claims the head of the list: bump the delivery counter,
// record the lease in the pending zset scored by expiry, and store the lease
// token.
// KEYS: {ready, delayed, pending}
// ARGV: {nowMs, visibilityMs, token, envPrefix, attemptPrefix, tokenPrefix}
var dequeueScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 128)
	for _, id in ipairs(due) do
		redis.call("ZREM", KEYS[2], id)
		redis.call("RPUSH", KEYS[1], id)
	end

	local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, 128)
	for _, id in ipairs(expired) do
		redis.call("ZREM", KEYS[3], id)
		redis.call("DEL", ARGV[6] .. id)
		redis.call("RPUSH", KEYS[1], id)
	end

	local id = redis.call("LPOP", KEYS[1])
	if not id then
		return false
	end
	local env = redis.call("GET", ARGV[4] .. id)
	if not env then
		return false
	end
	local attempt = redis.call("INCR", ARGV[5] .. id)
	redis.call("ZADD", KEYS[3], ARGV[1] + ARGV[2], id)
	redis.call("SET", ARGV[6] .. id, ARGV[3])
	return {env, attempt}
`)

// ackScript removes a leased envelope permanently. Returns 0 when the lease
// token no longer matches (expired and reassigned).
// KEYS: {pending}
// ARGV: {id, token, envKey, attemptKey, tokenKey}
var ackScript = redis.NewScript(`
	if redis.call("GET", ARGV[5]) ~= ARGV[2] then
		return 0
	end
	if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("DEL", ARGV[3], ARGV[4], ARGV[5])
	return 1
`)

// nackScript returns a leased envelope to the delayed zset for redelivery
// after the requested delay.
// KEYS: {pending, delayed}
// ARGV: {id, token, readyAtMs, tokenKey}
var nackScript = redis.NewScript(`
	if redis.call("GET", ARGV[4]) ~= ARGV[2] then
		return 0
	end
	if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("DEL", ARGV[4])
	redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
	return 1
`)

// deadLetterScript moves a leased envelope to the terminal dead-letter list
// with its failure record.
// KEYS: {pending, dlq}
// ARGV: {id, token, recordJSON, envKey, attemptKey, tokenKey}
var deadLetterScript = redis.NewScript(`
	if redis.call("GET", ARGV[6]) ~= ARGV[2] then
		return 0
	end
	if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("DEL", ARGV[4], ARGV[5], ARGV[6])
	redis.call("LPUSH", KEYS[2], ARGV[3])
	return 1
`)
