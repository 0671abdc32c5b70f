package queue

import "github.com/redis/go-redis/v9"

// enqueueScript claims the user's active slot and publishes the task in one
// step. It returns "ok" or "dup:<active task id>".
//
// KEYS[1] active slot, KEYS[2] task record, KEYS[3] tier list
// ARGV[1] task id, ARGV[2] encoded task, ARGV[3] slot ttl (s), ARGV[4] record ttl (s)
var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[3]) then
	local current = redis.call('GET', KEYS[1])
	return 'dup:' .. (current or '')
end
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[4])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 'ok'
`)

// importScript moves a fallback record into the broker. A record the broker
// still tracks, in flight or waiting in its tier or delayed set, is skipped
// so the import can be repeated safely. Returns "imported", "exists" or
// "conflict:<active task id>".
//
// KEYS[1] active slot, KEYS[2] task record, KEYS[3] tier list,
// KEYS[4] in-flight hash, KEYS[5] delayed set
// ARGV as enqueueScript.
var importScript = redis.NewScript(`
local rec = redis.call('GET', KEYS[2])
if rec then
	if redis.call('HEXISTS', KEYS[4], ARGV[1]) == 1 then
		return 'exists'
	end
	if redis.call('LPOS', KEYS[3], rec) or redis.call('ZSCORE', KEYS[5], rec) then
		return 'exists'
	end
end
local current = redis.call('GET', KEYS[1])
if current and current ~= ARGV[1] then
	return 'conflict:' .. current
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[4])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 'imported'
`)

// claimScript moves the head of the first non-empty tier onto the worker's
// processing list. It returns {tier key, entry}, or nil when every tier is
// empty.
//
// KEYS[1] processing list, KEYS[2..n] tier lists in service order
var claimScript = redis.NewScript(`
for i = 2, #KEYS do
	local entry = redis.call('LPOP', KEYS[i])
	if entry then
		redis.call('RPUSH', KEYS[1], entry)
		return {KEYS[i], entry}
	end
end
return false
`)

// restoreClaimScript takes ARGV[1] off a processing list and puts it back at
// the head of its tier, unless the task is in flight or already queued
// again. Returns 1 when the entry was restored.
//
// KEYS[1] processing list, KEYS[2] tier list, KEYS[3] in-flight hash,
// KEYS[4] task record, KEYS[5] delayed set
// ARGV[1] entry, ARGV[2] task id
var restoreClaimScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
	return 0
end
local rec = redis.call('GET', KEYS[4])
if rec and (redis.call('LPOS', KEYS[2], rec) or redis.call('ZSCORE', KEYS[5], rec)) then
	return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// clearIfScript deletes KEYS[1] only while it still holds ARGV[1].
var clearIfScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// promoteScript moves up to ARGV[2] delayed entries whose ready time is at
// or before ARGV[1] (unix ms) to the tail of their tier.
//
// KEYS[1] delayed set, KEYS[2] tier list
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, entry in ipairs(due) do
	redis.call('ZREM', KEYS[1], entry)
	redis.call('RPUSH', KEYS[2], entry)
end
return #due
`)

// cancelScript removes a queued task from its tier or delayed set. When the
// entry is no longer there a worker holds it, so the cancel flag is set
// instead. Returns "removed", "flagged" or "missing".
//
// KEYS[1] task record, KEYS[2] tier list, KEYS[3] delayed set, KEYS[4] cancel flag
// ARGV[1] flag ttl (s)
var cancelScript = redis.NewScript(`
local entry = redis.call('GET', KEYS[1])
if not entry then
	return 'missing'
end
if redis.call('LREM', KEYS[2], 1, entry) > 0 then
	return 'removed'
end
if redis.call('ZREM', KEYS[3], entry) > 0 then
	return 'removed'
end
redis.call('SET', KEYS[4], '1', 'EX', ARGV[1])
return 'flagged'
`)

// finishScript stores the terminal record and drops the task's in-flight
// entry and cancel flag. The user's slot is released only while it still
// belongs to this task. Returns 1 when the slot was released.
//
// KEYS[1] task record, KEYS[2] in-flight hash, KEYS[3] cancel flag, KEYS[4] active slot
// ARGV[1] task id, ARGV[2] encoded task, ARGV[3] record ttl (s)
var finishScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('GET', KEYS[4]) == ARGV[1] then
	redis.call('DEL', KEYS[4])
	return 1
end
return 0
`)
