package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/logging"
)

// LogListener writes every notification as a structured log line.
type LogListener struct {
	logger *slog.Logger
}

var _ Listener = (*LogListener)(nil)

func NewLogListener(logger *slog.Logger) *LogListener {
	return &LogListener{logger: logger}
}

func (l *LogListener) orders(ctx context.Context, event Event, ids []uuid.UUID) error {
	logging.FromContext(ctx, l.logger).Info("order notification",
		"event", string(event),
		"count", len(ids),
	)
	return nil
}

func (l *LogListener) fulfillment(ctx context.Context, event Event, n FulfillmentNotice) error {
	logging.FromContext(ctx, l.logger).Info("fulfillment notification",
		"event", string(event),
		"order_id", n.OrderID,
		"fulfillment_id", n.FulfillmentID,
		"notify_customer", n.NotifyCustomer,
	)
	return nil
}

func (l *LogListener) OrderUpdated(ctx context.Context, ids []uuid.UUID) error {
	return l.orders(ctx, EventOrderUpdated, ids)
}

func (l *LogListener) OrderFulfilled(ctx context.Context, ids []uuid.UUID) error {
	return l.orders(ctx, EventOrderFulfilled, ids)
}

func (l *LogListener) OrderRefunded(ctx context.Context, ids []uuid.UUID) error {
	return l.orders(ctx, EventOrderRefunded, ids)
}

func (l *LogListener) OrderExpired(ctx context.Context, ids []uuid.UUID) error {
	return l.orders(ctx, EventOrderExpired, ids)
}

func (l *LogListener) DraftOrderCreated(ctx context.Context, ids []uuid.UUID) error {
	return l.orders(ctx, EventDraftOrderCreated, ids)
}

func (l *LogListener) FulfillmentCreated(ctx context.Context, n FulfillmentNotice) error {
	return l.fulfillment(ctx, EventFulfillmentCreated, n)
}

func (l *LogListener) FulfillmentApproved(ctx context.Context, n FulfillmentNotice) error {
	return l.fulfillment(ctx, EventFulfillmentApproved, n)
}

func (l *LogListener) FulfillmentCanceled(ctx context.Context, n FulfillmentNotice) error {
	return l.fulfillment(ctx, EventFulfillmentCanceled, n)
}

func (l *LogListener) FulfillmentTrackingUpdated(ctx context.Context, n FulfillmentNotice) error {
	return l.fulfillment(ctx, EventFulfillmentTrackingUpdated, n)
}

func (l *LogListener) GiftCardsIssued(ctx context.Context, n GiftCardNotice) error {
	logging.FromContext(ctx, l.logger).Info("gift card notification",
		"event", string(EventGiftCardsIssued),
		"order_id", n.OrderID,
		"count", len(n.Codes),
	)
	return nil
}
