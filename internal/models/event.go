package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type OrderEventType string

const (
	EventFulfillmentFulfilledItems OrderEventType = "fulfillment_fulfilled_items"
	EventFulfillmentAwaitsApproval OrderEventType = "fulfillment_awaits_approval"
	EventFulfillmentApproved       OrderEventType = "fulfillment_approved"
	EventFulfillmentCanceled       OrderEventType = "fulfillment_canceled"
	EventFulfillmentRestockedItems OrderEventType = "fulfillment_restocked_items"
	EventFulfillmentRefunded       OrderEventType = "fulfillment_refunded"
	EventFulfillmentReturned       OrderEventType = "fulfillment_returned"
	EventFulfillmentReplaced       OrderEventType = "fulfillment_replaced"
	EventTrackingUpdated           OrderEventType = "tracking_updated"
	EventGiftCardsIssued           OrderEventType = "gift_cards_issued"
	EventPaymentRefunded           OrderEventType = "payment_refunded"
	EventPaymentRefundFailed       OrderEventType = "payment_refund_failed"
	EventGrantedRefundCreated      OrderEventType = "granted_refund_created"
	EventOrderReplacementCreated   OrderEventType = "order_replacement_created"
	EventDraftCreatedFromReplace   OrderEventType = "draft_created_from_replace"
	EventOrderExpired              OrderEventType = "expired"
)

var ErrInvalidActor = errors.New("exactly one of user or app must be set")

// Actor identifies who performed a mutation: a staff user or an app.
type Actor struct {
	UserID *uuid.UUID `json:"user_id,omitempty"`
	AppID  *uuid.UUID `json:"app_id,omitempty"`
}

func UserActor(id uuid.UUID) Actor {
	return Actor{UserID: &id}
}

func AppActor(id uuid.UUID) Actor {
	return Actor{AppID: &id}
}

func (a Actor) Validate() error {
	if (a.UserID == nil) == (a.AppID == nil) {
		return ErrInvalidActor
	}
	return nil
}

// OrderEvent is an append-only audit entry.
type OrderEvent struct {
	ID         uuid.UUID      `json:"id"`
	OrderID    uuid.UUID      `json:"order_id"`
	Type       OrderEventType `json:"type"`
	Parameters map[string]any `json:"parameters"`
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	AppID      *uuid.UUID     `json:"app_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEvent builds an event attributed to actor. System events pass a zero Actor.
func NewEvent(orderID uuid.UUID, eventType OrderEventType, actor Actor, params map[string]any) OrderEvent {
	if params == nil {
		params = map[string]any{}
	}
	return OrderEvent{
		OrderID:    orderID,
		Type:       eventType,
		Parameters: params,
		UserID:     actor.UserID,
		AppID:      actor.AppID,
	}
}
