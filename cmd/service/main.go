package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kbuckler/fact-service/internal/cache"
	"github.com/kbuckler/fact-service/internal/circuitbreaker"
	"github.com/kbuckler/fact-service/internal/client"
	"github.com/kbuckler/fact-service/internal/config"
	"github.com/kbuckler/fact-service/internal/health"
	httphandler "github.com/kbuckler/fact-service/internal/http"
	"github.com/kbuckler/fact-service/internal/observability"
	"github.com/kbuckler/fact-service/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	factClient, err := client.NewChuckNorrisClientWithRetry(
		cfg.FactAPIKey,
		cfg.FactAPIURL,
		cfg.FactAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("fact client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Cooldown:         cfg.CircuitBreakerCooldown,
			Component:        "fact_api",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("fact_api", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("fact_api", observability.CircuitBreakerStateValue(int(to)))
			},
		})
		factClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("fact_api", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("cooldown", cfg.CircuitBreakerCooldown))
	}

	var cacheSvc cache.Cache
	var cacheCloser interface {
		Ping() error
		Close() error
	}
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		cacheSvc = mc
		cacheCloser = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "redis":
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StaleCacheTTL)
		if err != nil {
			logger.Fatal("redis cache", zap.Error(err))
		}
		cacheSvc = rc
		cacheCloser = rc
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	factService := service.NewFactService(factClient, cacheSvc, cfg.CacheTTL, cfg.StaleCacheTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if cacheCloser != nil {
		healthConfig.CachePing = cacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(factService, factClient, healthConfig, logger, limiter, cfg.CategoryMinLength, cfg.CategoryMaxLength)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCategories) > 0 {
		observability.SetTrackedCategories(cfg.TrackedCategories)
	}

	if cfg.WarmCache && len(cfg.TrackedCategories) > 0 {
		warmer := cache.NewCacheWarmer(factService, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.TrackedCategories); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), cfg.TrackedCategories, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/hello", handler.GetHello).Methods("GET")
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	factRouter := router.PathPrefix("/fact").Subrouter()
	factRouter.Use(httphandler.RateLimitMiddleware(limiter))
	factRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	factRouter.HandleFunc("", handler.GetFact).Methods("GET")
	factRouter.HandleFunc("/{category}", handler.GetFact).Methods("GET")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	health.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if cacheCloser != nil {
		if err := cacheCloser.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
