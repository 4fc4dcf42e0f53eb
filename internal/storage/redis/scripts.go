package redis

const (
	// mergeDayDeltaScript atomically merges a day delta into the stored
	// record and returns the merged hash. Running the read-modify-write
	// server-side is what serializes concurrent merges for the same
	// (user, date) key.
	mergeDayDeltaScript = `
local day_key = KEYS[1]      -- codetally:day:{userID}:{date}
local index_key = KEYS[2]    -- codetally:days:{userID}

local user_id = ARGV[1]
local date = ARGV[2]
local total_seconds = tonumber(ARGV[3])

-- Create-or-increment: HINCRBY works for both cases, the metadata
-- fields only need setting once.
redis.call('HSET', day_key, 'user_id', user_id, 'date', date)
redis.call('HINCRBY', day_key, 'total_seconds', total_seconds)

-- Language buckets arrive as (name, seconds) pairs after the fixed args.
for i = 4, #ARGV, 2 do
  local lang = ARGV[i]
  local seconds = tonumber(ARGV[i + 1])
  redis.call('HINCRBY', day_key, 'lang:' .. lang, seconds)
end

-- Index the date for range listing.
redis.call('SADD', index_key, date)

return redis.call('HGETALL', day_key)
`

	// upsertUserScript creates or updates a user while preserving the
	// original created_at on update.
	upsertUserScript = `
local user_key = KEYS[1]     -- codetally:user:{userID}

local user_id = ARGV[1]
local token_hash = ARGV[2]
local created_at = ARGV[3]
local last_seen = ARGV[4]

local existing_created = redis.call('HGET', user_key, 'created_at')
if existing_created then
  created_at = existing_created
end

redis.call('HSET', user_key,
  'user_id', user_id,
  'token_hash', token_hash,
  'created_at', created_at,
  'last_seen', last_seen
)

return 'OK'
`
)
