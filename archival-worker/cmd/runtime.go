package main

import (
	"github.com/aaronwang/marketplace/archival-worker/internal/database"
	"github.com/aaronwang/marketplace/shared/auction"
	"github.com/aaronwang/marketplace/shared/config"
	"github.com/aaronwang/marketplace/shared/events"
	"github.com/aaronwang/marketplace/shared/logger"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/pubsub"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// runtime is the dependency graph shared by the subcommands
type runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    store.Store
	ledger   database.Ledger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	engine   *auction.Engine
	nats     *nats.Conn
	closers  []func()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := config.Load(config.ServiceArchivalWorker, paths...)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logr := logger.Setup(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.Service,
	})
	return cfg, logr, nil
}

// newRuntime opens the store, the broker and the event sink and builds the
// engine over them. withEvents connects to NATS when it is enabled.
func newRuntime(withEvents bool) (*runtime, error) {
	cfg, logr, err := loadConfig()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logr, registry: prometheus.NewRegistry()}
	rt.metrics = metrics.NewCollector(rt.registry)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, func() { st.Close() })

	if pg, ok := st.(*store.Postgres); ok {
		rt.ledger = database.NewPostgresLedger(pg.DB())
	} else {
		rt.ledger = database.NewMemoryLedger()
	}

	var broker notify.Broker
	if cfg.Redis.Enabled {
		rdb, err := pubsub.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { rdb.Close() })
		broker = pubsub.NewRedis(rdb)
	} else {
		broker = pubsub.NewLoopback()
		logr.Warn().Msg("Redis disabled, close notifications are persisted but not pushed")
	}

	var sink events.Sink = events.Nop{}
	if withEvents && cfg.NATS.Enabled {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service))
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.nats = conn
		rt.closers = append(rt.closers, func() { conn.Drain() })

		js, err := events.NewJetStream(conn, cfg.NATS.Stream, false, logr)
		if err != nil {
			rt.Close()
			return nil, err
		}
		sink = js
	}

	publisher := notify.NewPublisher(st, broker, rt.metrics, logr)
	rt.engine = auction.NewEngine(st, publisher, logr,
		auction.WithEvents(sink),
		auction.WithMetrics(rt.metrics),
		auction.WithArchiveDelay(cfg.Auction.ArchiveDelay),
	)
	return rt, nil
}

// Close releases resources in reverse order of acquisition
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
