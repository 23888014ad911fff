package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON value published for every notification.
type Message struct {
	EventType   Event              `json:"event_type"`
	OrderIDs    []uuid.UUID        `json:"order_ids,omitempty"`
	Fulfillment *FulfillmentNotice `json:"fulfillment,omitempty"`
	GiftCards   *GiftCardNotice    `json:"gift_cards,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// KafkaListener publishes notifications to a single topic keyed by event
// type.
type KafkaListener struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

var _ Listener = (*KafkaListener)(nil)

func NewKafkaListener(brokers []string, topic string, logger *slog.Logger) *KafkaListener {
	return newKafkaListener(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}, logger)
}

func newKafkaListener(writer messageWriter, logger *slog.Logger) *KafkaListener {
	return &KafkaListener{writer: writer, logger: logger, now: time.Now}
}

func (k *KafkaListener) Close() error {
	return k.writer.Close()
}

func (k *KafkaListener) publish(ctx context.Context, msg Message) error {
	msg.OccurredAt = k.now().UTC()
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.EventType),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
		},
	})
	meter := observability.MeterFromContext(ctx)
	if err != nil {
		meter.Count("notify.kafka.failed", 1, sentry.WithAttributes(
			attribute.String("event_type", string(msg.EventType)),
		))
		logging.FromContext(ctx, k.logger).Warn("failed to publish notification",
			"event", string(msg.EventType),
			"error", err,
		)
		return fmt.Errorf("failed to publish %s: %w", msg.EventType, err)
	}
	meter.Count("notify.kafka.published", 1, sentry.WithAttributes(
		attribute.String("event_type", string(msg.EventType)),
	))
	return nil
}

func (k *KafkaListener) OrderUpdated(ctx context.Context, ids []uuid.UUID) error {
	return k.publish(ctx, Message{EventType: EventOrderUpdated, OrderIDs: ids})
}

func (k *KafkaListener) OrderFulfilled(ctx context.Context, ids []uuid.UUID) error {
	return k.publish(ctx, Message{EventType: EventOrderFulfilled, OrderIDs: ids})
}

func (k *KafkaListener) OrderRefunded(ctx context.Context, ids []uuid.UUID) error {
	return k.publish(ctx, Message{EventType: EventOrderRefunded, OrderIDs: ids})
}

func (k *KafkaListener) OrderExpired(ctx context.Context, ids []uuid.UUID) error {
	return k.publish(ctx, Message{EventType: EventOrderExpired, OrderIDs: ids})
}

func (k *KafkaListener) DraftOrderCreated(ctx context.Context, ids []uuid.UUID) error {
	return k.publish(ctx, Message{EventType: EventDraftOrderCreated, OrderIDs: ids})
}

func (k *KafkaListener) FulfillmentCreated(ctx context.Context, n FulfillmentNotice) error {
	return k.publish(ctx, Message{EventType: EventFulfillmentCreated, OrderIDs: []uuid.UUID{n.OrderID}, Fulfillment: &n})
}

func (k *KafkaListener) FulfillmentApproved(ctx context.Context, n FulfillmentNotice) error {
	return k.publish(ctx, Message{EventType: EventFulfillmentApproved, OrderIDs: []uuid.UUID{n.OrderID}, Fulfillment: &n})
}

func (k *KafkaListener) FulfillmentCanceled(ctx context.Context, n FulfillmentNotice) error {
	return k.publish(ctx, Message{EventType: EventFulfillmentCanceled, OrderIDs: []uuid.UUID{n.OrderID}, Fulfillment: &n})
}

func (k *KafkaListener) FulfillmentTrackingUpdated(ctx context.Context, n FulfillmentNotice) error {
	return k.publish(ctx, Message{EventType: EventFulfillmentTrackingUpdated, OrderIDs: []uuid.UUID{n.OrderID}, Fulfillment: &n})
}

func (k *KafkaListener) GiftCardsIssued(ctx context.Context, n GiftCardNotice) error {
	return k.publish(ctx, Message{EventType: EventGiftCardsIssued, OrderIDs: []uuid.UUID{n.OrderID}, GiftCards: &n})
}
