package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder keeps decision counters in Redis hashes:
//
//	{prefix}:total                   allowed / denied, never expires
//	{prefix}:minute:{yyyymmddhhmm}   allowed / denied per minute
//	{prefix}:resource:{yyyymmddhhmm} "{resource}:{allowed|denied}" per minute
//	{prefix}:client:{identity}       allowed / denied, only with WithTrackClients
//
// All hashes but the total expire after the TTL.
type RedisRecorder struct {
	rdb          redis.Cmdable
	prefix       string
	ttl          time.Duration
	trackClients bool
}

type RedisOption func(*RedisRecorder)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) { r.prefix = strings.Trim(prefix, ":") }
}

// WithTTL sets the expiry of per-minute and per-client hashes. Zero keeps
// them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// WithTrackClients enables one hash per identity. Watch the key count.
func WithTrackClients(track bool) RedisOption {
	return func(r *RedisRecorder) { r.trackClients = track }
}

func NewRedisRecorder(rdb redis.Cmdable, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)

	minute := at.UTC().Format("200601021504")
	minuteKey := r.prefix + ":minute:" + minute
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	r.expire(ctx, pipe, minuteKey)

	// Resources are client-supplied paths, so this hash must expire too.
	if ev.Resource != "" {
		resourceKey := r.prefix + ":resource:" + minute
		pipe.HIncrBy(ctx, resourceKey, ev.Resource+":"+field, 1)
		r.expire(ctx, pipe, resourceKey)
	}

	if r.trackClients && ev.Identity != "" {
		clientKey := r.prefix + ":client:" + ev.Identity
		pipe.HIncrBy(ctx, clientKey, field, 1)
		r.expire(ctx, pipe, clientKey)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("analytics: record decision: %w", err)
	}
	return nil
}

func (r *RedisRecorder) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
}
