// Package consumer appends auction domain events from JetStream to the
// history ledger.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/marketplace/shared/events"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Durable is the consumer name shared by every worker replica, so each
// event is handled by one of them
const Durable = "archival-worker"

var errMalformed = errors.New("malformed event")

// Recorder stores an event once
type Recorder interface {
	InsertEvent(ctx context.Context, event *models.AuctionEvent) (bool, error)
}

// Consumer reads the events stream through a durable pull consumer
type Consumer struct {
	js      jetstream.JetStream
	stream  string
	ledger  Recorder
	metrics *metrics.Collector
	log     zerolog.Logger
	timeout time.Duration
}

// New creates a consumer for stream
func New(js jetstream.JetStream, stream string, ledger Recorder, m *metrics.Collector, log zerolog.Logger) *Consumer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Consumer{
		js:      js,
		stream:  stream,
		ledger:  ledger,
		metrics: m,
		log:     log.With().Str("component", "consumer").Logger(),
		timeout: 10 * time.Second,
	}
}

// Start consumes until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := events.EnsureStream(ctx, c.js, c.stream); err != nil {
		return err
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: events.SubjectPrefix + ">",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.log.Info().Str("stream", c.stream).Str("durable", Durable).Msg("Consuming auction events")

	<-ctx.Done()
	cc.Stop()
	return nil
}

// handleMessage records one event. Malformed payloads are terminated so
// they are not redelivered; ledger failures are nacked for a retry.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var event models.AuctionEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil || event.EventID == "" {
		c.log.Error().Err(err).Str("subject", msg.Subject()).Msg("Discarding malformed event")
		c.metrics.HistoryEvent("malformed", errMalformed)
		if err := msg.Term(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to terminate message")
		}
		return
	}

	dbCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inserted, err := c.ledger.InsertEvent(dbCtx, &event)
	c.metrics.HistoryEvent(string(event.Type), err)
	if err != nil {
		c.log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to record event")
		if err := msg.Nak(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to nak message")
		}
		return
	}

	c.log.Debug().
		Str("event_id", event.EventID).
		Str("type", string(event.Type)).
		Str("product_id", event.ProductID).
		Bool("duplicate", !inserted).
		Msg("Recorded event")

	if err := msg.Ack(); err != nil {
		c.log.Warn().Err(err).Str("event_id", event.EventID).Msg("Failed to ack message")
	}
}
