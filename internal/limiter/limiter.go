package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Dzaakk/sliding-limiter/internal/clock"
	"github.com/Dzaakk/sliding-limiter/internal/metrics"
	"github.com/Dzaakk/sliding-limiter/internal/storage"
	"github.com/google/uuid"
)

var (
	ErrInvalidConfiguration = errors.New("limiter: invalid configuration")

	// ErrBackendUnavailable is returned when the window store cannot be
	// reached. The caller picks fail-open or fail-closed.
	ErrBackendUnavailable = storage.ErrBackendUnavailable
)

// Store is the ordered event store the limiter runs on. Implementations
// must execute scripts atomically with respect to every other caller of
// the same key, across processes.
type Store interface {
	ExecuteAtomic(ctx context.Context, script storage.ScriptID, key string, args storage.ScriptArgs) (int64, error)
	CountMembers(ctx context.Context, key string) (int64, error)
}

// Window is the quota applied to one call: at most Limit admissions in
// any interval of length Size.
type Window struct {
	Limit int64
	Size  time.Duration
}

func (w Window) validate() error {
	if w.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfiguration, w.Limit)
	}
	if w.Size < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %v", ErrInvalidConfiguration, w.Size)
	}
	return nil
}

// Limiter is a sliding-window admission engine. It keeps no window state
// itself; all of it lives in the Store, so any number of Limiters in any
// number of processes can share one quota.
type Limiter struct {
	store    Store
	clock    clock.TimeSource
	prefix   string
	instance string
	seq      atomic.Uint64
	metrics  *metrics.Metrics
}

type Option func(*Limiter)

func WithClock(ts clock.TimeSource) Option {
	return func(l *Limiter) { l.clock = ts }
}

// WithKeyPrefix namespaces every key, for Redis instances shared between
// tenants.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithInstanceID overrides the random id mixed into window members.
func WithInstanceID(id string) Option {
	return func(l *Limiter) { l.instance = id }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func NewLimiter(s Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    s,
		clock:    clock.System,
		instance: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// keyFor length-prefixes the identity: identities are client-chosen and may
// contain ':', and two different pairs must never share a key.
func (l *Limiter) keyFor(identity, resource string) string {
	return fmt.Sprintf("%srate:%d:%s:%s", l.prefix, len(identity), identity, resource)
}

// member returns a window member that is unique even for admissions in the
// same millisecond, here or in another process.
func (l *Limiter) member(nowMs int64) string {
	seq := l.seq.Add(1)
	return strconv.FormatInt(nowMs, 10) + "-" + l.instance + "-" + strconv.FormatUint(seq, 10)
}

func validateKey(identity, resource string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidConfiguration)
	}
	if resource == "" {
		return fmt.Errorf("%w: empty resource", ErrInvalidConfiguration)
	}
	return nil
}

// Allow reports whether one more request from identity on resource fits in
// w, and records it if so. The decision is made by a single atomic script
// in the store, so concurrent callers never over-admit.
//
// If ctx expires while the store is working the outcome is unknown: the
// admission may have been recorded. Retrying blindly can double count.
func (l *Limiter) Allow(ctx context.Context, identity, resource string, w Window) (bool, error) {
	if err := validateKey(identity, resource); err != nil {
		return false, err
	}
	if err := w.validate(); err != nil {
		return false, err
	}

	now := l.clock.Now().UnixMilli()
	args := storage.ScriptArgs{
		NowMs:    now,
		WindowMs: w.Size.Milliseconds(),
		Limit:    w.Limit,
		Member:   l.member(now),
	}

	start := time.Now()
	res, err := l.store.ExecuteAtomic(ctx, storage.SlidingWindow, l.keyFor(identity, resource), args)
	l.metrics.ObserveCall("allow", start, err)
	if err != nil {
		return false, err
	}

	allowed := res == 1
	l.metrics.ObserveDecision(resource, allowed)
	return allowed, nil
}

// CurrentUsage returns how many admissions are recorded for identity on
// resource. The read is not atomic with Allow and may be off by a few under
// concurrent load; use it for reporting only.
func (l *Limiter) CurrentUsage(ctx context.Context, identity, resource string) (int64, error) {
	if err := validateKey(identity, resource); err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := l.store.CountMembers(ctx, l.keyFor(identity, resource))
	l.metrics.ObserveCall("usage", start, err)
	if err != nil {
		return 0, err
	}
	return n, nil
}
