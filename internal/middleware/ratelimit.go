package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Dzaakk/sliding-limiter/internal/analytics"
	"github.com/Dzaakk/sliding-limiter/internal/limiter"
)

const (
	msgTooManyRequests = "Too many requests. Please retry later."
	msgUnavailable     = "Rate limiter unavailable."
)

// WindowFunc returns the quota for a resource.
type WindowFunc func(resource string) limiter.Window

type Options struct {
	Windows WindowFunc

	// FailOpen lets requests through when the window store is unreachable.
	// Otherwise they are rejected with 503.
	FailOpen bool

	// TrustForwardedFor takes the client address from the first
	// X-Forwarded-For hop. Only enable behind a proxy that sets it.
	TrustForwardedFor bool

	SkipPaths []string

	// BackendTimeout bounds each call to the limiter and to Recorder. Zero
	// means the request context alone applies.
	BackendTimeout time.Duration

	// Recorder is called after every decision. It runs inline, under its
	// own BackendTimeout.
	Recorder analytics.Recorder
}

type RateLimitMiddleware struct {
	limiter *limiter.Limiter
	logger  *slog.Logger
	opts    Options
	skip    map[string]struct{}
}

func NewRateLimitMiddleware(l *limiter.Limiter, logger *slog.Logger, opts Options) *RateLimitMiddleware {
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}
	return &RateLimitMiddleware{
		limiter: l,
		logger:  logger,
		opts:    opts,
		skip:    skip,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		clientID := m.getClientID(r)
		resource := r.URL.Path
		window := m.opts.Windows(resource)

		ctx, cancel := m.backendContext(r.Context())
		defer cancel()

		allowed, err := m.limiter.Allow(ctx, clientID, resource, window)
		if err != nil {
			if m.opts.FailOpen {
				m.logger.Warn("rate limiter unavailable, failing open",
					"error", err,
					"client", clientID,
					"path", resource,
				)
				next.ServeHTTP(w, r)
				return
			}
			m.logger.Error("rate limiter error", "error", err, "client", clientID, "path", resource)
			m.sendError(w, http.StatusServiceUnavailable, msgUnavailable)
			return
		}

		m.record(r.Context(), clientID, resource, allowed)

		if !allowed {
			m.setRateLimitHeaders(w, window.Limit, 0)
			m.sendError(w, http.StatusTooManyRequests, msgTooManyRequests)
			return
		}

		usage, err := m.limiter.CurrentUsage(ctx, clientID, resource)
		if err != nil {
			m.logger.Warn("failed to read current usage", "error", err, "client", clientID, "path", resource)
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(window.Limit, 10))
		} else {
			m.setRateLimitHeaders(w, window.Limit, window.Limit-usage)
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.BackendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.BackendTimeout)
}

func (m *RateLimitMiddleware) record(ctx context.Context, clientID, resource string, allowed bool) {
	if m.opts.Recorder == nil {
		return
	}
	ctx, cancel := m.backendContext(ctx)
	defer cancel()

	err := m.opts.Recorder.Record(ctx, analytics.Event{
		Identity: clientID,
		Resource: resource,
		Allowed:  allowed,
		At:       time.Now(),
	})
	if err != nil {
		m.logger.Warn("failed to record decision", "error", err, "client", clientID)
	}
}

// getClientID prefers the API key; without one the caller is identified by
// network address.
func (m *RateLimitMiddleware) getClientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key
	}

	if m.opts.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return "ip:" + host
	}
	if r.RemoteAddr != "" {
		return "ip:" + r.RemoteAddr
	}
	return "ip:unknown"
}

func (m *RateLimitMiddleware) setRateLimitHeaders(w http.ResponseWriter, limit, remaining int64) {
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
}

func (m *RateLimitMiddleware) sendError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
