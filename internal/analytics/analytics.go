// Package analytics receives admission decisions for logging and usage
// statistics. Delivery is best effort: a failing recorder never changes a
// decision.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

type Event struct {
	Identity string
	Resource string
	Allowed  bool
	At       time.Time
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// LogRecorder writes one line per decision. Violations are logged at WARN
// and throttled, since an abusive client can otherwise flood the log.
type LogRecorder struct {
	logger     *slog.Logger
	violations *rate.Limiter
}

// NewLogRecorder logs at most perSecond violations per second with the
// given burst. A non-positive perSecond disables throttling.
func NewLogRecorder(logger *slog.Logger, perSecond float64, burst int) *LogRecorder {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &LogRecorder{logger: logger, violations: lim}
}

func (l *LogRecorder) Record(ctx context.Context, ev Event) error {
	if ev.Allowed {
		l.logger.InfoContext(ctx, "request allowed",
			"client", ev.Identity,
			"resource", ev.Resource,
		)
		return nil
	}

	if !l.violations.Allow() {
		return nil
	}
	l.logger.WarnContext(ctx, "rate limit exceeded",
		"client", ev.Identity,
		"resource", ev.Resource,
	)
	return nil
}

// Multi fans an event out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
