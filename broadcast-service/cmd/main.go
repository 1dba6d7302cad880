package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aaronwang/marketplace/broadcast-service/internal/presence"
	redisSubscriber "github.com/aaronwang/marketplace/broadcast-service/internal/redis"
	wsHandler "github.com/aaronwang/marketplace/broadcast-service/internal/websocket"
	"github.com/aaronwang/marketplace/shared/auth"
	"github.com/aaronwang/marketplace/shared/config"
	"github.com/aaronwang/marketplace/shared/logger"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/pubsub"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load(config.ServiceBroadcastService)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logr := logger.Setup(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.Service,
	})
	logr.Info().Str("addr", cfg.Server.Addr).Msg("Starting Broadcast Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		logr.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// Initialize WebSocket manager
	wsManager := wsHandler.NewManager(collector, logr)

	// Redis carries frames between instances; without it this process is its own broker
	var broker notify.Broker
	if cfg.Redis.Enabled {
		rdb, err := pubsub.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logr.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		broker = pubsub.NewRedis(rdb)

		subscriber := redisSubscriber.NewSubscriber(rdb, logr)
		defer subscriber.Close()
		if err := subscriber.SubscribeToPatterns(ctx, redisSubscriber.Patterns...); err != nil {
			logr.Fatal().Err(err).Msg("Failed to subscribe to Redis channels")
		}
		logr.Info().Strs("patterns", redisSubscriber.Patterns).Msg("Subscribed to hub channels")

		go func() {
			if err := subscriber.Listen(ctx, wsManager.Broadcast); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error().Err(err).Msg("Redis listener stopped")
				stop()
			}
		}()
	} else {
		loopback := pubsub.NewLoopback()
		loopback.Subscribe(func(topic string, payload []byte) { wsManager.Broadcast(topic, payload) })
		broker = loopback
		logr.Warn().Msg("Redis disabled, frames stay inside this instance")
	}

	publisher := notify.NewPublisher(st, broker, collector, logr)
	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	handler := wsHandler.NewHandler(wsManager, st, publisher, presence.NewTracker(), tokens, collector,
		wsHandler.OptionsFromConfig(cfg.Hub), logr)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler(reg)
	}

	// Sockets are long-lived, so the server write timeout is left unset
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler.SetupRoutes(metricsHandler),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		logr.Info().Str("addr", cfg.Server.Addr).Msg("Broadcast Service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error().Err(err).Msg("Server error")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logr.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error().Err(err).Msg("Server forced to shutdown")
	}
	wsManager.Shutdown()

	logr.Info().Msg("Server stopped gracefully")
}
