package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/gitshopapp/fulfillment/internal/models"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

type Event string

const (
	EventPlace                  Event = "place"
	EventConfirm                Event = "confirm"
	EventMarkUnfulfilled        Event = "mark_unfulfilled"
	EventMarkPartiallyFulfilled Event = "mark_partially_fulfilled"
	EventMarkFulfilled          Event = "mark_fulfilled"
	EventMarkPartiallyReturned  Event = "mark_partially_returned"
	EventMarkReturned           Event = "mark_returned"
	EventApproveFulfillment     Event = "approve_fulfillment"
	EventCancel                 Event = "cancel"
	EventExpire                 Event = "expire"
)

// active statuses are the ones fulfillment and refund bookkeeping may move between.
var active = []models.OrderStatus{
	models.StatusUnfulfilled,
	models.StatusPartiallyFulfilled,
	models.StatusFulfilled,
	models.StatusPartiallyReturned,
	models.StatusReturned,
}

type edge struct {
	from []models.OrderStatus
	to   models.OrderStatus // empty keeps the current status
}

var transitions = map[Event]edge{
	EventPlace:                  {from: []models.OrderStatus{models.StatusDraft}, to: models.StatusUnfulfilled},
	EventConfirm:                {from: []models.OrderStatus{models.StatusUnconfirmed}, to: models.StatusUnfulfilled},
	EventMarkUnfulfilled:        {from: active, to: models.StatusUnfulfilled},
	EventMarkPartiallyFulfilled: {from: active, to: models.StatusPartiallyFulfilled},
	EventMarkFulfilled:          {from: active, to: models.StatusFulfilled},
	EventMarkPartiallyReturned:  {from: active, to: models.StatusPartiallyReturned},
	EventMarkReturned:           {from: active, to: models.StatusReturned},
	EventApproveFulfillment:     {from: active},
	EventCancel: {from: []models.OrderStatus{
		models.StatusDraft,
		models.StatusUnconfirmed,
		models.StatusUnfulfilled,
	}, to: models.StatusCanceled},
	EventExpire: {from: []models.OrderStatus{models.StatusUnconfirmed}, to: models.StatusExpired},
}

var eventForStatus = map[models.OrderStatus]Event{
	models.StatusUnfulfilled:        EventMarkUnfulfilled,
	models.StatusPartiallyFulfilled: EventMarkPartiallyFulfilled,
	models.StatusFulfilled:          EventMarkFulfilled,
	models.StatusPartiallyReturned:  EventMarkPartiallyReturned,
	models.StatusReturned:           EventMarkReturned,
}

// TransitionStatus applies event to order and returns the updated copy.
// ExpiredAt is set on entering expired and cleared on any other target.
func TransitionStatus(order models.Order, event Event, now time.Time) (models.Order, error) {
	e, ok := transitions[event]
	if !ok {
		return order, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
	if !containsStatus(e.from, order.Status) {
		return order, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, order.Status)
	}
	if e.to == "" {
		return order, nil
	}

	order.Status = e.to
	if e.to == models.StatusExpired {
		expiredAt := now
		order.ExpiredAt = &expiredAt
	} else {
		order.ExpiredAt = nil
	}
	return order, nil
}

// DeriveStatus computes the fulfillment-driven status from line and
// fulfillment quantities. Orders outside the active set keep their status.
func DeriveStatus(order models.Order, lines []models.OrderLine, fulfillments []models.Fulfillment) models.OrderStatus {
	if !containsStatus(active, order.Status) {
		return order.Status
	}

	totalQuantity := 0
	quantityFulfilled := 0
	for _, line := range lines {
		totalQuantity += line.Quantity
		quantityFulfilled += line.QuantityFulfilled
	}

	quantityReturned := 0
	quantityReplaced := 0
	quantityAwaiting := 0
	for _, f := range fulfillments {
		switch f.Status {
		case models.FulfillmentReturned, models.FulfillmentRefundedAndReturned:
			quantityReturned += f.Quantity()
		case models.FulfillmentReplaced:
			quantityReplaced += f.Quantity()
		case models.FulfillmentWaitingForApproval:
			quantityAwaiting += f.Quantity()
		}
	}
	totalQuantity -= quantityReplaced

	switch {
	case totalQuantity <= 0:
		return order.Status
	case quantityFulfilled <= 0:
		return models.StatusUnfulfilled
	case quantityReturned > 0 && quantityReturned < totalQuantity:
		return models.StatusPartiallyReturned
	case quantityReturned == totalQuantity:
		return models.StatusReturned
	case quantityFulfilled < totalQuantity || quantityAwaiting > 0:
		return models.StatusPartiallyFulfilled
	default:
		return models.StatusFulfilled
	}
}

// SyncStatus moves order to its derived status through the state machine.
func SyncStatus(order models.Order, lines []models.OrderLine, fulfillments []models.Fulfillment, now time.Time) (models.Order, error) {
	target := DeriveStatus(order, lines, fulfillments)
	if target == order.Status {
		return order, nil
	}
	event, ok := eventForStatus[target]
	if !ok {
		return order, fmt.Errorf("%w: no event leads to %s", ErrInvalidTransition, target)
	}
	return TransitionStatus(order, event, now)
}

func containsStatus(statuses []models.OrderStatus, status models.OrderStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
