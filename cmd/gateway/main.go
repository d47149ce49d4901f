package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/tollmeter/llm-gateway/config"
	"github.com/tollmeter/llm-gateway/internal/auth"
	"github.com/tollmeter/llm-gateway/internal/dispatch"
	"github.com/tollmeter/llm-gateway/internal/gateway"
	"github.com/tollmeter/llm-gateway/internal/ledger"
	"github.com/tollmeter/llm-gateway/internal/pricing"
	"github.com/tollmeter/llm-gateway/internal/provider"
	"github.com/tollmeter/llm-gateway/internal/provider/anthropic"
	"github.com/tollmeter/llm-gateway/internal/provider/gemini"
	"github.com/tollmeter/llm-gateway/internal/provider/openai"
	"github.com/tollmeter/llm-gateway/internal/reconcile"
	"github.com/tollmeter/llm-gateway/internal/seeder"
	"github.com/tollmeter/llm-gateway/internal/telemetry"
	"github.com/tollmeter/llm-gateway/pkg/ratelimit"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	modelTable, err := config.LoadModelTable(cfg.ModelsConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load model table")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-gateway", cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracer")
	}
	defer shutdownTracer()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(registry)

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping postgres")
	}
	log.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to ping redis")
	}
	log.Info("Redis connected")

	// 5. Init auth
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// 6. Init billing ledger
	store := ledger.NewPostgresStore(pool, log)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Init provider adapters and routes
	adapters := map[string]provider.Adapter{}
	if cfg.OpenAIAPIKey != "" {
		adapters["openai"] = openai.New(cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "" {
		adapters["anthropic"] = anthropic.New(cfg.AnthropicAPIKey)
	}
	if cfg.GeminiAPIKey != "" {
		adapters["gemini"] = gemini.New(cfg.GeminiAPIKey)
	}

	prices := map[string]string{}
	routes := map[string][]dispatch.Target{}
	for name, m := range modelTable.Models {
		prices[name] = m.PricePerToken
		for _, r := range m.Routes {
			adapter, ok := adapters[r.Provider]
			if !ok {
				log.WithFields(logrus.Fields{
					"model":    name,
					"provider": r.Provider,
				}).Warn("skipping route: provider not configured (missing API key)")
				continue
			}
			routes[name] = append(routes[name], dispatch.Target{
				Adapter:       adapter,
				UpstreamModel: r.Model,
			})
		}
		if len(routes[name]) == 0 {
			log.WithField("model", name).Warn("model has no usable routes")
		}
	}

	priceTable, err := pricing.NewTable(prices, cfg.Markup)
	if err != nil {
		log.WithError(err).Fatal("failed to build price table")
	}

	dispatcher := dispatch.New(routes, cfg.ProviderTimeout, log)

	// 9. Init request pipeline
	tracer := otel.GetTracerProvider().Tracer("llm-gateway")
	handler := gateway.NewHandler(dispatcher, store, priceTable, limiter, tracer, metrics, log)

	// 10. Seed demo balance if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDemoBalance(ctx, store, log)
	}

	// 11. Start reconciliation worker
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	if cfg.ReconcileInterval > 0 {
		go reconcile.NewWorker(store, cfg.ReconcileInterval, log).Run(workerCtx)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	healthz := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-gateway"}`))
	}
	r.Get("/healthz", healthz)
	r.Get("/health", healthz)
	r.Method("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(gateway.AuthMiddleware(verifier))
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/models", handler.HandleModels)
		r.Get("/billing/balance", handler.HandleBalance)
		r.Get("/billing/transactions", handler.HandleTransactions)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("port", cfg.Port).Info("LLM gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-quit
	log.Info("shutting down gracefully")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("forced shutdown")
	}
	log.Info("server stopped")
}
