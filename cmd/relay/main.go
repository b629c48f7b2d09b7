package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mossy-p/pairchat/config"
	"github.com/mossy-p/pairchat/internal/handlers"
	"github.com/mossy-p/pairchat/internal/logging"
	"github.com/mossy-p/pairchat/internal/matchmaking"
	"github.com/mossy-p/pairchat/internal/metrics"
	"github.com/mossy-p/pairchat/internal/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store matchmaking.Store
		bus   handlers.Bus
	)
	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		defer client.Close()
		logger.Info("Redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

		store = matchmaking.NewRedis(client, matchmaking.DefaultKeys)
		bus = redis.NewBus(client, redis.DefaultChannel, logger)
	} else {
		logger.Warn("Redis disabled, running a single in-memory relay instance")
		store = matchmaking.NewMemory()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relay := handlers.NewRelay(handlers.RelayConfig{
		Store:   store,
		Bus:     bus,
		Metrics: metrics.NewRelay(reg),
		Logger:  logger,
	})
	if err := relay.Run(ctx); err != nil {
		return fmt.Errorf("subscribe to relay bus: %w", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Moderator:      cfg.Moderator,
		Store:          store,
		Relay:          relay,
		Gatherer:       reg,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting relay server", "port", cfg.Port, "environment", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
