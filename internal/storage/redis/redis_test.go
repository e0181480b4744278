package redis

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Dzaakk/sliding-limiter/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb), mr
}

func admit(t *testing.T, s *RedisStore, key string, now, window, limit int64, member string) int64 {
	t.Helper()
	res, err := s.ExecuteAtomic(context.Background(), storage.SlidingWindow, key, storage.ScriptArgs{
		NowMs:    now,
		WindowMs: window,
		Limit:    limit,
		Member:   member,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func TestSlidingWindowScript(t *testing.T) {
	s, mr := newTestStore(t)
	key := "rate:10:ip:1.2.3.4:/api/resource"

	for i, member := range []string{"a", "b", "c"} {
		if got := admit(t, s, key, 1000+int64(i)*100, 1000, 3, member); got != 1 {
			t.Fatalf("call %d: expected admitted, got %d", i, got)
		}
	}

	if got := admit(t, s, key, 1300, 1000, 3, "d"); got != 0 {
		t.Fatalf("expected denied, got %d", got)
	}

	members, err := mr.ZMembers(key)
	if err != nil {
		t.Fatalf("zmembers: %v", err)
	}
	sort.Strings(members)
	if diff := cmp.Diff([]string{"a", "b", "c"}, members); diff != "" {
		t.Errorf("denied call mutated the window (-want +got):\n%s", diff)
	}

	if ttl := mr.TTL(key); ttl != 2*time.Second {
		t.Errorf("expected ttl 2s, got %v", ttl)
	}
}

func TestSlidingWindowScriptTrimBoundary(t *testing.T) {
	s, mr := newTestStore(t)
	key := "boundary"

	mr.ZAdd(key, 999, "old")
	mr.ZAdd(key, 1000, "edge")

	if got := admit(t, s, key, 2000, 1000, 10, "new"); got != 1 {
		t.Fatalf("expected admitted, got %d", got)
	}

	members, err := mr.ZMembers(key)
	if err != nil {
		t.Fatalf("zmembers: %v", err)
	}
	sort.Strings(members)
	if diff := cmp.Diff([]string{"edge", "new"}, members); diff != "" {
		t.Errorf("unexpected members (-want +got):\n%s", diff)
	}
}

func TestSlidingWindowScriptExpiresIdleKey(t *testing.T) {
	s, mr := newTestStore(t)
	key := "idle"

	admit(t, s, key, 1000, 500, 1, "a")
	mr.FastForward(time.Second + time.Millisecond)

	if mr.Exists(key) {
		t.Fatal("expected idle key to be reclaimed")
	}
	if got := admit(t, s, key, 1001, 500, 1, "b"); got != 1 {
		t.Fatalf("expected fresh window to admit, got %d", got)
	}
}

func TestCountMembers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountMembers(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 got %d", n)
	}

	admit(t, s, "k", 1, 1000, 5, "a")
	admit(t, s, "k", 2, 1000, 5, "b")

	n, err = s.CountMembers(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 got %d", n)
	}
}

func TestLoadAndPing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := admit(t, s, "loaded", 1, 1000, 1, "a"); got != 1 {
		t.Fatalf("expected admitted, got %d", got)
	}
}

func TestBackendErrors(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mr.SetError("LOADING Redis is loading the dataset in memory")

	_, err := s.ExecuteAtomic(ctx, storage.SlidingWindow, "k", storage.ScriptArgs{NowMs: 1, WindowMs: 1, Limit: 1, Member: "a"})
	if !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Errorf("execute: expected ErrBackendUnavailable, got %v", err)
	}

	_, err = s.CountMembers(ctx, "k")
	if !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Errorf("count: expected ErrBackendUnavailable, got %v", err)
	}

	if err := s.Ping(ctx); !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Errorf("ping: expected ErrBackendUnavailable, got %v", err)
	}
}

func TestUnknownScript(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.ExecuteAtomic(context.Background(), "nope", "k", storage.ScriptArgs{})
	if !errors.Is(err, storage.ErrUnknownScript) {
		t.Fatalf("expected ErrUnknownScript, got %v", err)
	}
	if errors.Is(err, storage.ErrBackendUnavailable) {
		t.Fatal("unknown script must not look like a backend failure")
	}
}
