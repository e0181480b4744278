package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dzaakk/sliding-limiter/config"
	"github.com/Dzaakk/sliding-limiter/internal/analytics"
	"github.com/Dzaakk/sliding-limiter/internal/handler"
	"github.com/Dzaakk/sliding-limiter/internal/limiter"
	"github.com/Dzaakk/sliding-limiter/internal/metrics"
	"github.com/Dzaakk/sliding-limiter/internal/middleware"
	"github.com/Dzaakk/sliding-limiter/internal/storage/memory"
	"github.com/Dzaakk/sliding-limiter/internal/storage/redis"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, metrics.WithResources(cfg.MetricResources(routes...)...))

	b := initStorage(cfg, logger)
	defer b.closer.Close()

	l := limiter.NewLimiter(b.store,
		limiter.WithKeyPrefix(cfg.KeyPrefix),
		limiter.WithMetrics(m),
	)

	recorders := analytics.Multi{analytics.NewLogRecorder(logger, 10, 20)}
	if cfg.StatsEnabled && b.rdb != nil {
		recorders = append(recorders, analytics.NewRedisRecorder(b.rdb,
			analytics.WithPrefix(cfg.StatsPrefix),
			analytics.WithTTL(cfg.StatsTTL),
			analytics.WithTrackClients(cfg.StatsTrackClients),
		))
	}

	rateLimitMW := middleware.NewRateLimitMiddleware(l, logger, middleware.Options{
		Windows:           cfg.WindowFor,
		FailOpen:          cfg.FailPolicy == config.FailOpen,
		TrustForwardedFor: cfg.TrustForwardedFor,
		SkipPaths:         cfg.SkipPaths,
		BackendTimeout:    cfg.BackendTimeout,
		Recorder:          recorders,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      newRouter(rateLimitMW),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{httpServer, metricsServer} {
		srv := srv
		g.Go(func() error {
			logger.Info("starting HTTP server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		log.Fatal(err)
	}

	logger.Info("server stopped")
}

// routes are the rate-limited paths served by newRouter.
var routes = []string{"/", "/api/resource"}

func newRouter(rateLimitMW *middleware.RateLimitMiddleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(rateLimitMW.Handler)

	r.Get("/", handler.RootHandler)
	r.Post("/api/resource", handler.ResourceHandler)
	r.Get("/health", handler.HealthHandler)

	return r
}

type backend struct {
	store  limiter.Store
	closer io.Closer
	rdb    *goredis.Client
}

func initStorage(cfg config.Config, logger *slog.Logger) backend {
	switch cfg.StorageType {
	case "memory":
		logger.Info("using in-memory storage")
		s := memory.NewMemoryStore()
		return backend{store: s, closer: s}
	default:
		return initRedisStorage(cfg, logger)
	}
}

func initRedisStorage(cfg config.Config, logger *slog.Logger) backend {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		log.Fatal(err)
	}

	logger.Info("connecting to Redis", "addr", opts.Addr)
	rdb := goredis.NewClient(opts)
	store := redis.NewRedisStore(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		log.Fatal(err)
	}
	if err := store.Load(ctx); err != nil {
		logger.Warn("failed to preload scripts, falling back to EVAL", "error", err)
	}

	logger.Info("successfully connected to Redis")
	return backend{store: store, closer: store, rdb: rdb}
}
