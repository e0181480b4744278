package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dzaakk/sliding-limiter/internal/clock"
	"github.com/Dzaakk/sliding-limiter/internal/storage"
)

// Entry is one key's window: member -> score in milliseconds.
type Entry struct {
	Members  map[string]int64
	ExpireAt int64
}

// MemoryStore keeps windows in process. A single mutex makes every script
// atomic, so it is a faithful stand-in for Redis on a single node.
type MemoryStore struct {
	mu    sync.Mutex
	m     map[string]*Entry
	clock clock.TimeSource

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*MemoryStore)

// WithClock sets the time source used to decide key expiry.
func WithClock(ts clock.TimeSource) Option {
	return func(s *MemoryStore) { s.clock = ts }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		m:     map[string]*Entry{},
		clock: clock.System,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop(30 * time.Second)

	return s
}

func (s *MemoryStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup drops every expired key.
func (s *MemoryStore) Cleanup() {
	now := s.clock.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.m {
		if e == nil || e.expired(now) {
			delete(s.m, k)
		}
	}
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (e *Entry) expired(nowMs int64) bool {
	return e.ExpireAt > 0 && e.ExpireAt <= nowMs
}

// lookup returns the live entry for key, dropping it if it has expired.
// Caller holds s.mu.
func (s *MemoryStore) lookup(key string) *Entry {
	e, ok := s.m[key]
	if !ok || e == nil {
		return nil
	}
	if e.expired(s.clock.Now().UnixMilli()) {
		delete(s.m, key)
		return nil
	}
	return e
}

func (s *MemoryStore) ExecuteAtomic(ctx context.Context, id storage.ScriptID, key string, args storage.ScriptArgs) (int64, error) {
	if id != storage.SlidingWindow {
		return 0, fmt.Errorf("%w: %q", storage.ErrUnknownScript, id)
	}
	if err := ctx.Err(); err != nil {
		return 0, storage.Unavailable(string(id), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &Entry{Members: map[string]int64{}}
	}

	threshold := args.NowMs - args.WindowMs
	for member, score := range e.Members {
		if score < threshold {
			delete(e.Members, member)
		}
	}

	if int64(len(e.Members)) >= args.Limit {
		return 0, nil
	}

	e.Members[args.Member] = args.NowMs
	e.ExpireAt = s.clock.Now().UnixMilli() + 2*args.WindowMs
	s.m[key] = e

	return 1, nil
}

func (s *MemoryStore) CountMembers(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.Unavailable("zcard", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.Members)), nil
}
