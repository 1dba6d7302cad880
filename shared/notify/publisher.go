package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Broker carries topic frames to every process holding subscribers
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher persists events and then hands them to the broker. Delivery is
// best effort: the persisted row is replayed to the user on the next
// subscribe, so broker failures are logged and dropped.
type Publisher struct {
	store   store.NotificationStore
	broker  Broker
	metrics *metrics.Collector
	log     zerolog.Logger
	timeout time.Duration
}

// NewPublisher creates a publisher
func NewPublisher(st store.NotificationStore, broker Broker, m *metrics.Collector, log zerolog.Logger) *Publisher {
	return &Publisher{
		store:   st,
		broker:  broker,
		metrics: m,
		log:     log.With().Str("component", "notify").Logger(),
		timeout: 5 * time.Second,
	}
}

// New builds an unread notification addressed to recipientID
func New(recipientID string, kind models.NotificationKind, message string, at time.Time) *models.Notification {
	return &models.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Kind:        kind,
		Message:     message,
		CreatedAt:   at,
	}
}

// Notify persists n and then publishes it on the recipient's topic. Only a
// persistence failure is returned.
func (p *Publisher) Notify(ctx context.Context, n *models.Notification) error {
	if err := p.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	p.Fanout(ctx, n)
	return nil
}

// Fanout publishes notifications that are already persisted
func (p *Publisher) Fanout(ctx context.Context, notifications ...*models.Notification) {
	for _, n := range notifications {
		typ := models.OutboundNotification
		if n.Kind == models.NotificationChatMessage {
			typ = models.OutboundChatNotification
		}
		env, err := models.NewEnvelope(typ, n.ID, n)
		if err != nil {
			p.log.Error().Err(err).Str("notification_id", n.ID).Msg("Failed to encode notification")
			continue
		}
		p.publish(ctx, UserTopic(n.RecipientID), KindUser, env)
	}
}

// PublishMessage publishes a persisted chat message on its conversation topic
func (p *Publisher) PublishMessage(ctx context.Context, msg *models.Message) {
	env, err := models.NewEnvelope(models.OutboundChatMessage, msg.ID, msg)
	if err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to encode message")
		return
	}
	p.publish(ctx, ConversationTopic(msg.ConversationID), KindConversation, env)
}

func (p *Publisher) publish(ctx context.Context, topic, kind string, env *models.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("Failed to encode envelope")
		return
	}

	// The triggering request may already be finishing; delivery gets its own deadline.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.broker.Publish(pubCtx, topic, payload)
	if p.metrics != nil {
		p.metrics.Published(kind, err)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Str("type", string(env.Type)).Msg("Dropped undeliverable event")
	}
}
