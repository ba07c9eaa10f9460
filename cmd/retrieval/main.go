package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scholarqa/retrieval/internal/analytics"
	"github.com/scholarqa/retrieval/internal/corpus"
	"github.com/scholarqa/retrieval/internal/retriever"
	"github.com/scholarqa/retrieval/internal/retriever/cache"
	"github.com/scholarqa/retrieval/internal/retriever/handler"
	"github.com/scholarqa/retrieval/internal/semantic"
	"github.com/scholarqa/retrieval/pkg/config"
	"github.com/scholarqa/retrieval/pkg/health"
	"github.com/scholarqa/retrieval/pkg/kafka"
	"github.com/scholarqa/retrieval/pkg/logger"
	"github.com/scholarqa/retrieval/pkg/metrics"
	"github.com/scholarqa/retrieval/pkg/middleware"
	"github.com/scholarqa/retrieval/pkg/postgres"
	pkgredis "github.com/scholarqa/retrieval/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging)
	slog.Info("starting retrieval service", "port", cfg.Server.Port)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := corpus.NewStore(db)

	semanticClient := semantic.NewClient(cfg.Semantic)

	var queryCache *cache.QueryCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, query caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Redis, m)
		slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	onSwap := func(ctx context.Context) {
		if queryCache == nil {
			return
		}
		if err := queryCache.Invalidate(ctx); err != nil {
			slog.Error("cache invalidation after rebuild failed", "error", err)
		}
	}
	svc := retriever.New(store, semanticClient, cfg.Retrieval, m, onSwap)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load the initial snapshot. An empty corpus is not fatal: the service
	// comes up not-ready and a corpus-updated event or POST /reindex brings
	// it online.
	if err := svc.Rebuild(ctx); err != nil {
		slog.Warn("initial corpus load failed, serving not-ready until corpus arrives", "error", err)
	}

	watcher := corpus.NewWatcher(cfg.Kafka, svc.Rebuild)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			slog.Error("corpus watcher error", "error", err)
		}
	}()
	defer watcher.Close()

	analyticsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RetrievalEvents)
	defer analyticsProducer.Close()
	collector := analytics.NewCollector(analyticsProducer, 10000)
	collector.Start(ctx)
	slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.RetrievalEvents)

	if m != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.CircuitBreakerState.WithLabelValues("semantic").
						Set(float64(semanticClient.BreakerState()))
				}
			}
		}()
	}

	checker := health.NewChecker()
	checker.Register("corpus", func(ctx context.Context) health.ComponentHealth {
		if !svc.Ready() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no corpus snapshot loaded"}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d passages indexed", svc.CorpusSize()),
		}
	})
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := handler.New(svc, queryCache, collector, cfg.Retrieval.DefaultTopK, cfg.Retrieval.MaxTopK)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/retrieve", h.Retrieve)
	mux.HandleFunc("POST /api/v1/rerank", h.Rerank)
	mux.HandleFunc("POST /api/v1/reindex", h.Reindex)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		collector.Close()
	}()

	slog.Info("retrieval service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("retrieval service stopped")
}
