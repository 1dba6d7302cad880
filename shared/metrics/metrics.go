// Package metrics exposes prometheus counters for the auction engine, the
// sweep and the websocket hub.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the services record
type Collector struct {
	bidsSubmitted   *prometheus.CounterVec
	bidDecisions    *prometheus.CounterVec
	auctionsClosed  *prometheus.CounterVec
	auctionsArchive prometheus.Counter
	contentionRetry prometheus.Counter
	sweepRuns       *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	notifications   *prometheus.CounterVec
	hubDeliveries   *prometheus.CounterVec
	hubConnections  prometheus.Gauge
	historyEvents   *prometheus.CounterVec
}

// NewCollector registers the metrics on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bidsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_bids_submitted_total",
			Help: "Bid submissions by outcome code.",
		}, []string{"result"}),
		bidDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_bid_decisions_total",
			Help: "Admin decisions on pending bids.",
		}, []string{"action"}),
		auctionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_auctions_closed_total",
			Help: "Auctions transitioned to closed, by path and outcome.",
		}, []string{"path", "outcome"}),
		auctionsArchive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_auctions_archived_total",
			Help: "Closed auctions moved to history.",
		}),
		contentionRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_store_contention_retries_total",
			Help: "Operations retried after losing a store race.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_sweep_runs_total",
			Help: "Scheduler sweeps by scan and status.",
		}, []string{"scan", "status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_sweep_duration_seconds",
			Help:    "Duration of a full sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_notifications_published_total",
			Help: "Topic publishes by topic kind and status.",
		}, []string{"kind", "status"}),
		hubDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_hub_deliveries_total",
			Help: "Frames handed to websocket connections, by status.",
		}, []string{"status"}),
		hubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "market_hub_connections",
			Help: "Live websocket connections.",
		}),
		historyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_history_events_total",
			Help: "Domain events appended to the history ledger.",
		}, []string{"type", "status"}),
	}

	reg.MustRegister(
		c.bidsSubmitted, c.bidDecisions, c.auctionsClosed, c.auctionsArchive,
		c.contentionRetry, c.sweepRuns, c.sweepDuration, c.notifications,
		c.hubDeliveries, c.hubConnections, c.historyEvents,
	)
	return c
}

// NewNop returns a collector bound to a private registry, for tests and tools
func NewNop() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

// BidSubmitted records a submission outcome ("admitted" or an error code)
func (c *Collector) BidSubmitted(result string) {
	c.bidsSubmitted.WithLabelValues(result).Inc()
}

// BidDecided records an admin decision
func (c *Collector) BidDecided(action string) {
	c.bidDecisions.WithLabelValues(action).Inc()
}

// AuctionClosed records a close; outcome is "sold" or "unsold"
func (c *Collector) AuctionClosed(path string, sold bool) {
	outcome := "unsold"
	if sold {
		outcome = "sold"
	}
	c.auctionsClosed.WithLabelValues(path, outcome).Inc()
}

// AuctionArchived records a move to history
func (c *Collector) AuctionArchived() {
	c.auctionsArchive.Inc()
}

// ContentionRetry records a retried store race
func (c *Collector) ContentionRetry() {
	c.contentionRetry.Inc()
}

// SweepScan records one scan of a sweep
func (c *Collector) SweepScan(scan string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.sweepRuns.WithLabelValues(scan, status).Inc()
}

// SweepDuration records a sweep's wall time
func (c *Collector) SweepDuration(d time.Duration) {
	c.sweepDuration.Observe(d.Seconds())
}

// Published records a topic publish; kind is "user" or "conversation"
func (c *Collector) Published(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.notifications.WithLabelValues(kind, status).Inc()
}

// Delivered records a frame written to a connection
func (c *Collector) Delivered() {
	c.hubDeliveries.WithLabelValues("written").Inc()
}

// Dropped records a frame dropped for a slow or dead connection
func (c *Collector) Dropped() {
	c.hubDeliveries.WithLabelValues("dropped").Inc()
}

// ConnectionOpened increments the live connection gauge
func (c *Collector) ConnectionOpened() {
	c.hubConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge
func (c *Collector) ConnectionClosed() {
	c.hubConnections.Dec()
}

// HistoryEvent records a ledger append
func (c *Collector) HistoryEvent(eventType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.historyEvents.WithLabelValues(eventType, status).Inc()
}

// Handler returns the scrape handler for gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
