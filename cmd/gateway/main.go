// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main wires the gateway's hook pipeline into a mochi-mqtt broker,
// with a full observability and resilience surface: Prometheus metrics,
// health checks, a circuit breaker around broker calls, and connect-path
// rate limiting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ioolkos/mqtt-gateway/pkg/breaker"
	"github.com/ioolkos/mqtt-gateway/pkg/broker"
	"github.com/ioolkos/mqtt-gateway/pkg/dynsub"
	"github.com/ioolkos/mqtt-gateway/pkg/gatewayconfig"
	"github.com/ioolkos/mqtt-gateway/pkg/health"
	"github.com/ioolkos/mqtt-gateway/pkg/hooks"
	"github.com/ioolkos/mqtt-gateway/pkg/metrics"
	"github.com/ioolkos/mqtt-gateway/pkg/ratelimit"

	"github.com/ioolkos/mqtt-gateway/examples/mochi"
)

// RunEnv holds the process settings that sit outside gatewayconfig.Config:
// listener address, admin ports, and the resilience knobs for the broker
// circuit breaker and connect-path rate limiters.
type RunEnv struct {
	MQTTAddress string `env:"GATEWAY_MQTT_ADDRESS" envDefault:":1883"`
	MetricsPort int    `env:"GATEWAY_METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"GATEWAY_HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"GATEWAY_LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"GATEWAY_LOG_FORMAT"   envDefault:"json"`

	MaxGoroutines int `env:"GATEWAY_MAX_GOROUTINES" envDefault:"50000"`

	// DynsubStore selects the DynSubState backing store: "memory" (the
	// default, lost on restart) or "redis" (survives a restart, shared
	// across gateway replicas fronting the same broker cluster).
	DynsubStore string `env:"GATEWAY_DYNSUB_STORE" envDefault:"memory"`
	RedisAddr   string `env:"GATEWAY_REDIS_ADDR"   envDefault:"localhost:6379"`
	RedisPrefix string `env:"GATEWAY_REDIS_PREFIX" envDefault:"dynsub:"`

	BreakerMaxFailures  int           `env:"GATEWAY_BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"GATEWAY_BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerTimeout      time.Duration `env:"GATEWAY_BREAKER_TIMEOUT"       envDefault:"30s"`

	RateLimitCapacity  int64 `env:"GATEWAY_RATE_LIMIT_CAPACITY"  envDefault:"100"`
	RateLimitRefill    int64 `env:"GATEWAY_RATE_LIMIT_REFILL"    envDefault:"10"`
	GlobalRateCapacity int64 `env:"GATEWAY_GLOBAL_RATE_CAPACITY" envDefault:"10000"`
	GlobalRateRefill   int64 `env:"GATEWAY_GLOBAL_RATE_REFILL"   envDefault:"1000"`

	ShutdownTimeout time.Duration `env:"GATEWAY_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	var runEnv RunEnv
	if err := env.Parse(&runEnv); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse runtime environment: %v\n", err)
		os.Exit(1)
	}

	cfg, err := gatewayconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gateway config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(runEnv.LogLevel, runEnv.LogFormat)
	logger.Info("starting mqtt gateway",
		slog.String("self", cfg.Self.AgentID()),
		slog.Bool("stat_enabled", cfg.Stat.Enabled))

	m := metrics.New("gateway")
	go startMetricsServer(runEnv.MetricsPort, logger)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if count > runEnv.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, runEnv.MaxGoroutines)
		}
		return nil
	})
	healthChecker.Register("config", health.ConfigCheck(&cfg))

	server := mqtt.New(nil)
	server.Options.Capabilities.Compatibilities.ObscureNotAuthorized = true

	rawBroker := mochi.NewBroker(server)
	cb := breaker.New(breaker.Config{
		Name:             "broker",
		MaxFailures:      runEnv.BreakerMaxFailures,
		ResetTimeout:     runEnv.BreakerResetTimeout,
		SuccessThreshold: 2,
		Timeout:          runEnv.BreakerTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("breaker", cb.Name()), slog.String("from", from.String()), slog.String("to", to.String()))
	})
	guardedBroker := broker.NewWithCircuitBreaker(rawBroker, cb, m)
	healthChecker.Register("broker", health.BrokerCheck(guardedBroker))

	var store dynsub.Store
	switch runEnv.DynsubStore {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{Addr: runEnv.RedisAddr})
		healthChecker.Register("redis", health.RedisCheck(redisClient))
		store = dynsub.NewRedisStore(redisClient, runEnv.RedisPrefix)
	default:
		store = dynsub.NewMemStore()
	}
	defer store.Close()

	go startHealthServer(runEnv.HealthPort, healthChecker, logger)

	pipeline := hooks.New(cfg, store, guardedBroker, logger).WithMetrics(m)

	perSubscriberLimiter := ratelimit.NewLimiter(runEnv.RateLimitCapacity, runEnv.RateLimitRefill, 10000)
	globalLimiter := ratelimit.NewTokenBucket(runEnv.GlobalRateCapacity, runEnv.GlobalRateRefill)
	rateLimited := hooks.NewRateLimit(pipeline, globalLimiter, perSubscriberLimiter, m, logger)
	instrumented := hooks.NewInstrument(rateLimited, m)

	if err := server.AddHook(mochi.New(instrumented, logger), nil); err != nil {
		logger.Error("failed to register gateway hook", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "gateway", Address: runEnv.MQTTAddress})
	if err := server.AddListener(tcp); err != nil {
		logger.Error("failed to add mqtt listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("mqtt listener started", slog.String("address", runEnv.MQTTAddress))
		return server.Serve()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()
	_ = server.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), runEnv.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
