package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aaronwang/marketplace/api-gateway/internal/handlers"
	redisThrottle "github.com/aaronwang/marketplace/api-gateway/internal/redis"
	"github.com/aaronwang/marketplace/shared/auction"
	"github.com/aaronwang/marketplace/shared/auth"
	"github.com/aaronwang/marketplace/shared/config"
	"github.com/aaronwang/marketplace/shared/events"
	"github.com/aaronwang/marketplace/shared/logger"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/pubsub"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load(config.ServiceAPIGateway)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logr := logger.Setup(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.Service,
	})
	logr.Info().Str("addr", cfg.Server.Addr).Msg("Starting API Gateway")

	st, err := store.Open(cfg.Database)
	if err != nil {
		logr.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	var (
		broker  notify.Broker
		limiter handlers.Limiter
	)
	if cfg.Redis.Enabled {
		rdb, err := pubsub.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logr.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		broker = pubsub.NewRedis(rdb)
		limiter = redisThrottle.NewThrottle(rdb, cfg.Auction.BidLimit, cfg.Auction.BidWindow)
		logr.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	} else {
		// Notifications are still persisted and replayed on the next connect
		broker = pubsub.NewLoopback()
		logr.Warn().Msg("Redis disabled, live delivery and bid throttling are off")
	}

	var sink events.Sink = events.Nop{}
	if cfg.NATS.Enabled {
		natsConn, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service))
		if err != nil {
			logr.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Drain()

		js, err := events.NewJetStream(natsConn, cfg.NATS.Stream, true, logr)
		if err != nil {
			logr.Fatal().Err(err).Msg("Failed to set up JetStream")
		}
		sink = js
		logr.Info().Str("stream", cfg.NATS.Stream).Msg("Publishing domain events")
	}

	publisher := notify.NewPublisher(st, broker, collector, logr)
	engine := auction.NewEngine(st, publisher, logr,
		auction.WithEvents(sink),
		auction.WithMetrics(collector),
		auction.WithArchiveDelay(cfg.Auction.ArchiveDelay),
	)

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	handler := handlers.NewHandler(engine, st, tokens, limiter, logr)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler(reg)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.SetupRoutes(metricsHandler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logr.Info().Str("addr", cfg.Server.Addr).Msg("API Gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error().Err(err).Msg("Server error")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logr.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error().Err(err).Msg("Server forced to shutdown")
	}

	logr.Info().Msg("Server stopped gracefully")
}
