// Package notify delivers "order changed" signals to the outbound
// notification layer once the mutating transaction has committed.
package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type Event string

const (
	EventOrderUpdated               Event = "order_updated"
	EventOrderFulfilled             Event = "order_fulfilled"
	EventOrderRefunded              Event = "order_refunded"
	EventOrderExpired               Event = "order_expired"
	EventDraftOrderCreated          Event = "draft_order_created"
	EventFulfillmentCreated         Event = "fulfillment_created"
	EventFulfillmentApproved        Event = "fulfillment_approved"
	EventFulfillmentCanceled        Event = "fulfillment_canceled"
	EventFulfillmentTrackingUpdated Event = "fulfillment_tracking_number_updated"
	EventGiftCardsIssued            Event = "gift_cards_issued"
)

type FulfillmentNotice struct {
	OrderID        uuid.UUID `json:"order_id"`
	OrderNumber    int64     `json:"order_number"`
	FulfillmentID  uuid.UUID `json:"fulfillment_id"`
	ComposedID     string    `json:"composed_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	CustomerEmail  string    `json:"customer_email,omitempty"`
	NotifyCustomer bool      `json:"notify_customer"`
}

type GiftCardNotice struct {
	OrderID       uuid.UUID `json:"order_id"`
	OrderNumber   int64     `json:"order_number"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Codes         []string  `json:"codes"`
}

// Listener has one method per lifecycle event. Order-level events carry a
// batch of order ids.
type Listener interface {
	OrderUpdated(ctx context.Context, orderIDs []uuid.UUID) error
	OrderFulfilled(ctx context.Context, orderIDs []uuid.UUID) error
	OrderRefunded(ctx context.Context, orderIDs []uuid.UUID) error
	OrderExpired(ctx context.Context, orderIDs []uuid.UUID) error
	DraftOrderCreated(ctx context.Context, orderIDs []uuid.UUID) error
	FulfillmentCreated(ctx context.Context, notice FulfillmentNotice) error
	FulfillmentApproved(ctx context.Context, notice FulfillmentNotice) error
	FulfillmentCanceled(ctx context.Context, notice FulfillmentNotice) error
	FulfillmentTrackingUpdated(ctx context.Context, notice FulfillmentNotice) error
	GiftCardsIssued(ctx context.Context, notice GiftCardNotice) error
}

// Nop ignores every event. Embed it to implement a subset of Listener.
type Nop struct{}

var _ Listener = Nop{}

func (Nop) OrderUpdated(context.Context, []uuid.UUID) error { return nil }
func (Nop) OrderFulfilled(context.Context, []uuid.UUID) error { return nil }
func (Nop) OrderRefunded(context.Context, []uuid.UUID) error { return nil }
func (Nop) OrderExpired(context.Context, []uuid.UUID) error { return nil }
func (Nop) DraftOrderCreated(context.Context, []uuid.UUID) error { return nil }
func (Nop) FulfillmentCreated(context.Context, FulfillmentNotice) error { return nil }
func (Nop) FulfillmentApproved(context.Context, FulfillmentNotice) error { return nil }
func (Nop) FulfillmentCanceled(context.Context, FulfillmentNotice) error { return nil }
func (Nop) FulfillmentTrackingUpdated(context.Context, FulfillmentNotice) error { return nil }
func (Nop) GiftCardsIssued(context.Context, GiftCardNotice) error { return nil }

// Multiplexer fans every event out to all listeners, joining their errors.
type Multiplexer []Listener

var _ Listener = Multiplexer(nil)

func Multi(listeners ...Listener) Multiplexer {
	out := make(Multiplexer, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m Multiplexer) each(fn func(Listener) error) error {
	var err error
	for _, l := range m {
		err = errors.Join(err, fn(l))
	}
	return err
}

func (m Multiplexer) OrderUpdated(ctx context.Context, ids []uuid.UUID) error {
	return m.each(func(l Listener) error { return l.OrderUpdated(ctx, ids) })
}

func (m Multiplexer) OrderFulfilled(ctx context.Context, ids []uuid.UUID) error {
	return m.each(func(l Listener) error { return l.OrderFulfilled(ctx, ids) })
}

func (m Multiplexer) OrderRefunded(ctx context.Context, ids []uuid.UUID) error {
	return m.each(func(l Listener) error { return l.OrderRefunded(ctx, ids) })
}

func (m Multiplexer) OrderExpired(ctx context.Context, ids []uuid.UUID) error {
	return m.each(func(l Listener) error { return l.OrderExpired(ctx, ids) })
}

func (m Multiplexer) DraftOrderCreated(ctx context.Context, ids []uuid.UUID) error {
	return m.each(func(l Listener) error { return l.DraftOrderCreated(ctx, ids) })
}

func (m Multiplexer) FulfillmentCreated(ctx context.Context, n FulfillmentNotice) error {
	return m.each(func(l Listener) error { return l.FulfillmentCreated(ctx, n) })
}

func (m Multiplexer) FulfillmentApproved(ctx context.Context, n FulfillmentNotice) error {
	return m.each(func(l Listener) error { return l.FulfillmentApproved(ctx, n) })
}

func (m Multiplexer) FulfillmentCanceled(ctx context.Context, n FulfillmentNotice) error {
	return m.each(func(l Listener) error { return l.FulfillmentCanceled(ctx, n) })
}

func (m Multiplexer) FulfillmentTrackingUpdated(ctx context.Context, n FulfillmentNotice) error {
	return m.each(func(l Listener) error { return l.FulfillmentTrackingUpdated(ctx, n) })
}

func (m Multiplexer) GiftCardsIssued(ctx context.Context, n GiftCardNotice) error {
	return m.each(func(l Listener) error { return l.GiftCardsIssued(ctx, n) })
}
