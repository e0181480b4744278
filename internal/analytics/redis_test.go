package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func TestRedisRecorder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisRecorder(rdb, WithPrefix("stats:"), WithTTL(time.Hour), WithTrackClients(true))
	at := time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)
	ctx := context.Background()

	for _, allowed := range []bool{true, true, false} {
		if err := r.Record(ctx, Event{Identity: "key:abc", Resource: "/api/resource", Allowed: allowed, At: at}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	checks := []struct {
		key, field, want string
	}{
		{"stats:total", "allowed", "2"},
		{"stats:total", "denied", "1"},
		{"stats:minute:202405011230", "allowed", "2"},
		{"stats:resource:202405011230", "/api/resource:allowed", "2"},
		{"stats:resource:202405011230", "/api/resource:denied", "1"},
		{"stats:client:key:abc", "allowed", "2"},
	}
	for _, c := range checks {
		if got := mr.HGet(c.key, c.field); got != c.want {
			t.Errorf("%s %s: expected %s got %q", c.key, c.field, c.want, got)
		}
	}

	for _, key := range []string{"stats:minute:202405011230", "stats:resource:202405011230", "stats:client:key:abc"} {
		if ttl := mr.TTL(key); ttl != time.Hour {
			t.Errorf("%s: expected ttl 1h got %v", key, ttl)
		}
	}
	if ttl := mr.TTL("stats:total"); ttl != 0 {
		t.Errorf("expected total to never expire got %v", ttl)
	}
}

func TestRedisRecorderError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.SetError("ERR down")

	r := NewRedisRecorder(rdb)
	if err := r.Record(context.Background(), Event{Identity: "c", Resource: "r"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisRecorderResourceBucketsExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisRecorder(rdb, WithPrefix("stats"), WithTTL(time.Minute))
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ev := Event{Identity: "ip:10.0.0.1", Resource: fmt.Sprintf("/nope/%d", i), At: at}
		if err := r.Record(ctx, ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := len(mr.Keys()); got != 3 {
		t.Fatalf("expected total, minute and resource keys, got %v", mr.Keys())
	}

	mr.FastForward(time.Minute + time.Second)

	if diff := cmp.Diff([]string{"stats:total"}, mr.Keys()); diff != "" {
		t.Errorf("unexpected keys after ttl (-want +got):\n%s", diff)
	}
	if got := mr.HGet("stats:total", "denied"); got != "100" {
		t.Errorf("expected total to keep 100 denials got %q", got)
	}
}
