// Package notify publishes licensing lifecycle events to the notification
// collaborator. Delivery is fire-and-forget: a publish failure is logged and
// never fails the state transition that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"app/internal/config"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Event types consumed by the downstream email/notification service.
const (
	EventInviteIssued      = "invite_issued"
	EventSeatRevoked       = "seat_revoked"
	EventGraceOpened       = "grace_period_opened"
	EventSubscriptionBlock = "subscription_blocked"
	EventPaymentFailed     = "payment_failed"
)

// Event is the payload published for every notification.
type Event struct {
	Type           string            `json:"type"`
	SubscriptionID string            `json:"subscription_id"`
	AccountID      string            `json:"account_id,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPublisher creates a new PubSubPublisher using the GCP project from config.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	t := p.client.Topic(topic)
	result := t.Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

// Notifier wraps a Publisher with the licensing event vocabulary.
type Notifier struct {
	publisher Publisher
	topic     string
	logger    zerolog.Logger
}

// NewNotifier creates a Notifier publishing to the configured topic.
func NewNotifier(publisher Publisher, topic string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		topic:     topic,
		logger:    logger.With().Str("component", "Notifier").Logger(),
	}
}

// Emit publishes the event. Errors are logged, never returned.
func (n *Notifier) Emit(ctx context.Context, eventType, subscriptionID, accountID string, data map[string]string) {
	if n == nil || n.publisher == nil {
		return
	}
	ev := Event{
		Type:           eventType,
		SubscriptionID: subscriptionID,
		AccountID:      accountID,
		Data:           data,
		OccurredAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal notification event")
		return
	}
	if _, err := n.publisher.Publish(ctx, n.topic, payload); err != nil {
		n.logger.Warn().Err(err).Str("event_type", eventType).Str("subscription_id", subscriptionID).Msg("Failed to publish notification event")
	}
}
