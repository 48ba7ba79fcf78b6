package health

// Lua scripts keep every health update atomic against concurrent writers
// on other gateway instances. Each script performs the full
// read-modify-write for one candidate hash and returns the updated
// fields, so callers never issue a plain read-then-write.

// recordSuccessScript updates the EMA score toward 1, resets the
// consecutive-failure counter and breach escalation, and refreshes the
// record TTL.
//
// KEYS[1] = record hash
// ARGV[1] = now (unix ms)
// ARGV[2] = latency (ms)
// ARGV[3] = alpha
// ARGV[4] = record TTL (seconds)
const recordSuccessScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local latency = tonumber(ARGV[2])
local alpha = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local score = tonumber(redis.call('HGET', key, 'score'))
if not score then
    score = 1
end
score = score * (1 - alpha) + alpha

local avg = tonumber(redis.call('HGET', key, 'avg_latency_ms'))
if not avg or avg == 0 then
    avg = latency
else
    avg = avg * 0.9 + latency * 0.1
end

redis.call('HINCRBY', key, 'total_successes', 1)
redis.call('HSET', key,
    'score', tostring(score),
    'consecutive_failures', 0,
    'cooldown_breaches', 0,
    'last_success_ms', now,
    'avg_latency_ms', tostring(avg))
redis.call('EXPIRE', key, ttl)

return redis.call('HGETALL', key)
`

// recordFailureScript updates the EMA score toward 0, bumps the
// consecutive-failure counter, and enters cooldown exactly once when the
// threshold is crossed while no cooldown is active. The breach counter
// escalates the cooldown duration (base * 2^(breach-1), capped).
//
// KEYS[1] = record hash
// ARGV[1] = now (unix ms)
// ARGV[2] = alpha
// ARGV[3] = cooldown threshold (consecutive failures)
// ARGV[4] = cooldown base (ms)
// ARGV[5] = cooldown max (ms)
// ARGV[6] = record TTL (seconds)
const recordFailureScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local alpha = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local base = tonumber(ARGV[4])
local max = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local score = tonumber(redis.call('HGET', key, 'score'))
if not score then
    score = 1
end
score = score * (1 - alpha)

local consec = redis.call('HINCRBY', key, 'consecutive_failures', 1)
redis.call('HINCRBY', key, 'total_failures', 1)

local cooldown_until = tonumber(redis.call('HGET', key, 'cooldown_until_ms')) or 0
if consec >= threshold and now >= cooldown_until then
    local breaches = (tonumber(redis.call('HGET', key, 'cooldown_breaches')) or 0) + 1
    local duration = base
    for i = 2, breaches do
        duration = duration * 2
        if duration >= max then
            duration = max
            break
        end
    end
    if duration > max then
        duration = max
    end
    redis.call('HSET', key,
        'cooldown_breaches', breaches,
        'cooldown_until_ms', now + duration,
        'consecutive_failures', 0)
end

redis.call('HSET', key,
    'score', tostring(score),
    'last_failure_ms', now)
redis.call('EXPIRE', key, ttl)

return redis.call('HGETALL', key)
`
