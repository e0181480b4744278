package redis

import (
	"context"
	"fmt"

	"github.com/Dzaakk/sliding-limiter/internal/storage"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] = rate limit key
// ARGV[1] = now in milliseconds
// ARGV[2] = window size in milliseconds
// ARGV[3] = limit
// ARGV[4] = member, unique per admission
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))

local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window * 2)
	return 1
end
return 0
`)

var scripts = map[storage.ScriptID]*redis.Script{
	storage.SlidingWindow: slidingWindowScript,
}

// RedisStore runs the limiter scripts against any go-redis client flavour
// (single node, cluster or ring). Every key is self-contained, so cluster
// slotting needs no hash tags.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Load preloads every script so later calls only ship the SHA1. Optional:
// ExecuteAtomic falls back to EVAL when the script is missing.
func (r *RedisStore) Load(ctx context.Context) error {
	for id, s := range scripts {
		if err := s.Load(ctx, r.client).Err(); err != nil {
			return storage.Unavailable(fmt.Sprintf("load %s", id), err)
		}
	}
	return nil
}

func (r *RedisStore) ExecuteAtomic(ctx context.Context, id storage.ScriptID, key string, args storage.ScriptArgs) (int64, error) {
	s, ok := scripts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", storage.ErrUnknownScript, id)
	}

	res, err := s.Run(ctx, r.client, []string{key},
		args.NowMs,
		args.WindowMs,
		args.Limit,
		args.Member,
	).Int64()
	if err != nil {
		return 0, storage.Unavailable(string(id), err)
	}
	return res, nil
}

func (r *RedisStore) CountMembers(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, storage.Unavailable("zcard", err)
	}
	return n, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storage.Unavailable("ping", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
