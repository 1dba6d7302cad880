package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aaronwang/marketplace/archival-worker/internal/consumer"
	"github.com/aaronwang/marketplace/archival-worker/internal/scheduler"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sweep scheduler and the history consumer",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(true)
	if err != nil {
		return err
	}
	defer rt.Close()
	logr := rt.log
	cfg := rt.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history *consumer.Consumer
	if rt.nats != nil {
		js, err := jetstream.New(rt.nats)
		if err != nil {
			return err
		}
		history = consumer.New(js, cfg.NATS.Stream, rt.ledger, rt.metrics, logr)
	} else {
		logr.Warn().Msg("NATS disabled, auction history is not recorded")
	}

	g, ctx := errgroup.WithContext(ctx)

	sweeper := scheduler.NewSweeper(rt.engine, rt.store, scheduler.Options{
		Interval:    cfg.Auction.SweepInterval,
		BatchSize:   cfg.Auction.SweepBatchSize,
		Concurrency: cfg.Auction.SweepConcurrency,
	}, rt.metrics, logr)

	g.Go(func() error {
		return sweeper.Start(ctx)
	})

	if history != nil {
		g.Go(func() error {
			return history.Start(ctx)
		})
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": cfg.Service,
		})
	}).Methods("GET")
	if cfg.Metrics.Enabled {
		router.Handle("/metrics", metrics.Handler(rt.registry)).Methods("GET")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		logr.Info().Str("addr", cfg.Server.Addr).Msg("Archival worker listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logr.Info().Msg("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logr.Error().Err(err).Msg("Worker stopped with error")
		return err
	}
	logr.Info().Msg("Worker stopped gracefully")
	return nil
}
