package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeToken refills and spends one token in a single round trip. It reads
// the Redis clock so API replicas with drifting clocks share one timeline.
// Returns {allowed, remaining, retry_after_ms}.
var takeToken = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local clock = redis.call("TIME")
local now_ms = tonumber(clock[1]) * 1000 + math.floor(tonumber(clock[2]) / 1000)
local per_ms = capacity / window_ms

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms
tokens = math.min(capacity, tokens + math.max(0, now_ms - at) * per_ms)

local ok, wait_ms = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  ok = 1
else
  wait_ms = math.ceil((1 - tokens) / per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now_ms)
redis.call("PEXPIRE", KEYS[1], window_ms * 2)
return {ok, math.floor(tokens), wait_ms}
`)

// RedisTokenBucket shares each scope's buckets across every API replica.
type RedisTokenBucket struct {
	client    redis.Scripter
	policies  Policies
	keyPrefix string
}

func NewRedisTokenBucket(client redis.Scripter, policies Policies, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisTokenBucket{client: client, policies: policies, keyPrefix: keyPrefix}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, scope Scope, subject string) (Decision, error) {
	policy, err := l.policies.lookup(scope)
	if err != nil {
		return Decision{}, err
	}

	windowMS := max(1, policy.Window.Milliseconds())
	reply, err := takeToken.Run(ctx, l.client, []string{bucketKey(l.keyPrefix, scope, subject)}, policy.Capacity, windowMS).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s token: %w", scope, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("take %s token: unexpected reply %v", scope, reply)
	}

	if reply[0] != 1 {
		return denied(time.Duration(reply[2]) * time.Millisecond), nil
	}
	return allowed(float64(reply[1])), nil
}
