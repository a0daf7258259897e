package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ejjays/nexstream-sub001/internal/api"
	"github.com/ejjays/nexstream-sub001/internal/brain"
	"github.com/ejjays/nexstream-sub001/internal/broadcast"
	"github.com/ejjays/nexstream-sub001/internal/platform/config"
	"github.com/ejjays/nexstream-sub001/internal/platform/logger"
	"github.com/ejjays/nexstream-sub001/internal/platform/metrics"
	"github.com/ejjays/nexstream-sub001/internal/progress"
	"github.com/ejjays/nexstream-sub001/internal/refiner"
	"github.com/ejjays/nexstream-sub001/internal/relay"
	"github.com/ejjays/nexstream-sub001/internal/resolver"
	"github.com/ejjays/nexstream-sub001/internal/stems"
	"github.com/ejjays/nexstream-sub001/internal/transcode"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 30 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New(logLevel, logFormat)

	ctx := context.Background()

	var cache resolver.Cache = resolver.NewMemoryCache(resolver.DefaultCacheTTL)
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		rc := resolver.NewRedisCache(ctx, addr,
			config.GetEnv("REDIS_PASSWORD", ""),
			config.GetEnvInt("REDIS_DB", 0),
			resolver.DefaultCacheTTL)
		if rc != nil {
			cache = rc
			log.Info("resolution cache on redis", "addr", addr)
		} else {
			log.Warn("redis unreachable, using in-process resolution cache", "addr", addr)
		}
	}
	res := resolver.New(cache, log)

	var providers []refiner.Provider
	if p := refiner.NewGroqProvider(config.GetEnv("GROQ_API_KEY", "")); p != nil {
		providers = append(providers, p)
	}
	if p := refiner.NewGeminiProvider(config.GetEnv("GEMINI_API_KEY", "")); p != nil {
		providers = append(providers, p)
	}
	ref := refiner.New(providers, log)

	store, err := brain.Open(config.GetEnv("BRAIN_DB_PATH", ""), log)
	if err != nil {
		log.Warn("brain unavailable, running without persistent memory", "error", err)
		store = nil
	}
	if store != nil {
		defer store.Close()
		log.Info("brain online", "path", config.GetEnv("BRAIN_DB_PATH", ""))
	}

	meta := api.NewMetaClient(
		config.GetEnv("SOUNDCHARTS_APP_ID", ""),
		config.GetEnv("SOUNDCHARTS_API_KEY", ""),
		log)

	hub := progress.NewHub(log)
	svc := api.NewService(res, ref, meta, store, hub, log)

	bc := broadcast.New(log)
	if d := config.GetEnvDuration("RELAY_IDLE_TIMEOUT", 0); d > 0 {
		bc.SetIdleTimeout(d)
	}
	met := metrics.New()
	svc.SetMetrics(met)
	h := api.NewHandler(svc,
		relay.New(log),
		bc,
		hub,
		transcode.New(log),
		stems.New(config.GetEnv("STEMS_OUTPUT_DIR", "temp/stems"), log),
		log,
		met)

	limiter := rate.NewLimiter(
		rate.Limit(config.GetEnvInt("RATE_LIMIT_RPS", 25)),
		config.GetEnvInt("RATE_LIMIT_BURST", 50))

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(api.CORS)
	r.Use(api.RateLimit(limiter))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveRelayEntries(bc.Len()) }).ServeHTTP(w, req)
	})
	h.Register(r)

	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				bc.Sweep()
				met.SetActiveRelayEntries(bc.Len())
			}
		}
	}()

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"providers", len(providers),
		"brain", store != nil,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	close(sweepDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
