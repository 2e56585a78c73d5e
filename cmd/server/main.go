package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"gridshield/internal/platform/config"
	"gridshield/internal/platform/httpserver"
	"gridshield/internal/platform/logger"
	platformredis "gridshield/internal/platform/redis"
	"gridshield/internal/protection/admin"
	"gridshield/internal/protection/blocklist"
	"gridshield/internal/protection/detector"
	"gridshield/internal/protection/handler"
	"gridshield/internal/protection/metrics"
	protectmw "gridshield/internal/protection/middleware"
	"gridshield/internal/protection/orchestrator"
	"gridshield/internal/protection/ratelimit"
	"gridshield/internal/protection/reputation"
	"gridshield/internal/protection/store"
	"gridshield/pkg/platform/audit"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal/protection packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Counter store. Redis when configured, in-memory otherwise so local
	// development works without infrastructure.
	var counters store.CounterStore
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		counters = store.NewRedis(redisClient.Client, store.WithTimeout(cfg.Redis.CallTimeout))
		log.Info("counter store ready", "backend", "redis")
	} else {
		counters = store.NewMemory()
		log.Warn("redis not configured, using in-memory counter store")
	}

	// Audit trail always goes to the structured log; Kafka is added when
	// brokers are configured.
	var auditor audit.Publisher = audit.NewLog(log)
	var kafkaPublisher *audit.Kafka
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err = audit.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, audit.WithLogger(log))
		if err != nil {
			return err
		}
		auditor = audit.Multi{audit.NewLog(log), kafkaPublisher}
		log.Info("kafka audit publisher ready", "topic", cfg.Kafka.Topic)
	}

	orch, err := buildOrchestrator(cfg, log, counters, auditor, metrics.New())
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Addr, newRouter(cfg, log, orch, counters))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting gridshield", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if kafkaPublisher != nil {
			if err := kafkaPublisher.Close(shutdownCtx); err != nil {
				log.Warn("kafka close failed", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildOrchestrator(
	cfg config.Config,
	log *slog.Logger,
	counters store.CounterStore,
	auditor audit.Publisher,
	m *metrics.Metrics,
) (*orchestrator.Service, error) {
	limiter, err := ratelimit.New(counters, cfg.Protection.LimitPerMinute, cfg.Protection.LimitPerHour,
		ratelimit.WithLogger(log))
	if err != nil {
		return nil, err
	}
	det, err := detector.New(counters, detector.Thresholds{
		RapidRequests: cfg.Protection.RapidRequestThreshold,
		FailedLogins:  cfg.Protection.FailedLoginThreshold,
	}, detector.WithLogger(log))
	if err != nil {
		return nil, err
	}
	rep, err := reputation.New(counters, reputation.WithLogger(log))
	if err != nil {
		return nil, err
	}
	blocks, err := blocklist.New(counters, blocklist.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return orchestrator.New(limiter, det, rep, blocks, counters,
		orchestrator.WithLogger(log),
		orchestrator.WithAuditPublisher(auditor),
		orchestrator.WithMetrics(m),
		orchestrator.WithPolicy(orchestrator.EscalationPolicy{
			CriticalThreshold: cfg.Protection.AutoBlockCriticalThreshold,
			HighThreshold:     cfg.Protection.AutoBlockHighThreshold,
			Window:            cfg.Protection.EscalationWindow,
			FailedLoginWindow: cfg.Protection.FailedLoginWindow,
		}),
	)
}

// newRouter assembles the service surface. The decision and admin APIs serve
// trusted collaborators (the gateway sidecar and operator tooling), so they
// are never routed through the Protect middleware: the layer evaluates the
// source described in the request body, not the caller's own transport
// identity. Protect is the embedding surface for the backend services that
// import this module.
func newRouter(cfg config.Config, log *slog.Logger, orch *orchestrator.Service, counters store.CounterStore) http.Handler {
	router := chi.NewRouter()
	router.Use(protectmw.RequestID)

	router.Get("/healthz", healthz(counters))
	router.Handle("/metrics", promhttp.Handler())

	router.Mount("/v1", handler.NewHandler(orch, log,
		handler.WithDisabled(cfg.Protection.Disabled)).Routes())
	router.Mount("/admin", admin.NewHandler(orch, log).Routes())

	return router
}

func healthz(counters store.CounterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := counters.Health(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
