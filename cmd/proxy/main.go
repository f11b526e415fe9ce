package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ollama-metrics-proxy/internal/config"
	"ollama-metrics-proxy/internal/gateway"
	"ollama-metrics-proxy/internal/metrics"
	"ollama-metrics-proxy/internal/observability"
	"ollama-metrics-proxy/internal/usage"

	"github.com/redis/go-redis/v9"
)

const mockUpstreamAddr = "localhost:11435"

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.SetupLogger(0).Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.LogLevel)
	logger.Info("Starting Ollama metrics proxy")

	if cfg.Upstream.Mock {
		logger.Info("Starting Mock Upstream Server", "addr", mockUpstreamAddr)
		go startMockUpstreamServer(mockUpstreamAddr, logger)
		cfg.Upstream.URL = &url.URL{Scheme: "http", Host: mockUpstreamAddr}

		// Small delay to ensure the mock server starts
		time.Sleep(500 * time.Millisecond)
	}

	reg := metrics.NewRegistry()

	// 1. Initialize usage store
	var store usage.Store
	switch cfg.Usage.Store {
	case config.StoreRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.Usage.RedisAddr,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("Failed to connect to Redis", "addr", cfg.Usage.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = usage.NewRedisStore(redisClient)
	default:
		logger.Info("Using in-memory usage store")
		store = usage.NewMemoryStore()
	}

	// 2. Start background usage processor
	usageChan := make(chan usage.Record, 1000)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		usage.NewProcessor(store, logger, reg, metrics.ErrorUsageWrite).Run(usageChan)
	}()

	// 3. Initialize proxy handler and routes
	proxyHandler := gateway.NewProxyHandler(cfg.Upstream.URL, cfg.Upstream.Timeout, reg, usageChan, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           gateway.NewRouter(proxyHandler, reg, store, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}

	// 4. Start server
	go func() {
		logger.Info("Listening", "addr", srv.Addr, "upstream", cfg.Upstream.URL.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Streams still running after a timed out shutdown drop their usage
	// instead of sending on the closed channel.
	proxyHandler.CloseUsage()
	<-processorDone
	logger.Info("Server exiting")
}
