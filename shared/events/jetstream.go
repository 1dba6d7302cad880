package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectPrefix prefixes every domain event subject: market.events.<type>
const SubjectPrefix = "market.events."

// Subject returns the JetStream subject for an event type
func Subject(t models.EventType) string {
	return SubjectPrefix + string(t)
}

// Sink receives committed domain events
type Sink interface {
	Emit(ctx context.Context, event *models.AuctionEvent)
}

// Nop discards events
type Nop struct{}

// Emit does nothing
func (Nop) Emit(context.Context, *models.AuctionEvent) {}

// JetStream publishes domain events to a durable stream for the history ledger
type JetStream struct {
	js     jetstream.JetStream
	log    zerolog.Logger
	async  bool
	stream string
}

// EnsureStream creates or updates the events stream
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Auction domain events for the history ledger",
		Subjects:    []string{SubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	return stream, nil
}

// NewJetStream connects a publisher on conn and ensures the stream exists.
// With async set, Emit returns immediately and publishes in the background.
func NewJetStream(conn *nats.Conn, streamName string, async bool, log zerolog.Logger) (*JetStream, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := EnsureStream(ctx, js, streamName); err != nil {
		return nil, err
	}

	return &JetStream{
		js:     js,
		log:    log.With().Str("component", "events").Logger(),
		async:  async,
		stream: streamName,
	}, nil
}

// Emit publishes event; failures are logged since the ledger is not on the
// write path
func (p *JetStream) Emit(ctx context.Context, event *models.AuctionEvent) {
	if p.async {
		go p.publish(context.WithoutCancel(ctx), event)
		return
	}
	p.publish(ctx, event)
}

func (p *JetStream) publish(ctx context.Context, event *models.AuctionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// The event id doubles as the JetStream dedup id so retried publishes collapse.
	ack, err := p.js.Publish(ctx, Subject(event.Type), data, jetstream.WithMsgID(event.EventID))
	if err != nil {
		p.log.Warn().Err(err).Str("event_id", event.EventID).Str("type", string(event.Type)).Msg("Failed to publish event")
		return
	}
	p.log.Debug().Str("subject", Subject(event.Type)).Uint64("seq", ack.Sequence).Msg("Published event")
}
