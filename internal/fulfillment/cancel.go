package fulfillment

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

// CancelTarget says where canceled quantities go. It is either CancelWaiting
// or CancelRestock.
type CancelTarget interface {
	cancelTarget()
}

// CancelWaiting cancels a fulfillment that never left the warehouse.
type CancelWaiting struct{}

// CancelRestock returns the shipped quantities to WarehouseID.
type CancelRestock struct {
	WarehouseID uuid.UUID
}

func (CancelWaiting) cancelTarget() {}
func (CancelRestock) cancelTarget() {}

type CancelInput struct {
	FulfillmentID  uuid.UUID
	Actor          models.Actor
	Target         CancelTarget
	NotifyCustomer bool
}

type CancelResult struct {
	Order       models.Order
	Fulfillment models.Fulfillment
	Restocked   int
}

func (e *Engine) CancelFulfillment(ctx context.Context, input CancelInput) (*CancelResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.cancel",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("CancelFulfillment"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	if err := input.Actor.Validate(); err != nil {
		return nil, validation.New("actor", validation.CodeRequired, err.Error())
	}
	if input.Target == nil {
		input.Target = CancelWaiting{}
	}

	var result *CancelResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queue := e.notifier.Queue()
		r, err := e.cancelInTx(ctx, tx, input, queue)
		if err != nil {
			return err
		}
		queue.FlushOnCommit(tx)
		result = r
		return nil
	})
	meter := observability.MeterFromContext(ctx)
	if err != nil {
		meter.Count("fulfillment.cancel.failed", 1)
		return nil, err
	}

	meter.Count("fulfillment.canceled", 1, sentry.WithAttributes(
		attribute.String("restocked", fmt.Sprint(result.Restocked > 0)),
	))
	return result, nil
}

func (e *Engine) cancelInTx(ctx context.Context, tx store.Tx, input CancelInput, queue *notify.Queue) (*CancelResult, error) {
	order, fulfillments, idx, err := lockFulfillment(ctx, tx, input.FulfillmentID)
	if err != nil {
		return nil, err
	}
	f := &fulfillments[idx]

	lines, err := tx.LockOrderLines(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	byID := lineIndex(lines)

	restocked := 0
	var warehouseID uuid.UUID
	switch f.Status {
	case models.FulfillmentWaitingForApproval:
	case models.FulfillmentFulfilled:
		target, ok := input.Target.(CancelRestock)
		if !ok {
			return nil, validation.New("warehouseId", validation.CodeRequired,
				"a warehouse is required to cancel a fulfilled fulfillment")
		}
		if onlyGiftCards(*f, lines, byID) {
			return nil, validation.New("id", validation.CodeCannotCancelFulfillment,
				"fulfillment with only gift cards cannot be canceled")
		}
		warehouseID = target.WarehouseID
		demands := make([]demand, 0, len(f.Lines))
		for _, fl := range f.Lines {
			if i, ok := byID[fl.OrderLineID]; ok {
				demands = append(demands, demand{line: &lines[i], warehouseID: warehouseID, quantity: fl.Quantity})
			}
		}
		if restocked, err = restock(ctx, tx, demands); err != nil {
			return nil, err
		}
	default:
		return nil, validation.New("id", validation.CodeCannotCancelFulfillment,
			fmt.Sprintf("fulfillment in status %s cannot be canceled", f.Status))
	}

	flIDs := make([]uuid.UUID, 0, len(f.Lines))
	for _, fl := range f.Lines {
		flIDs = append(flIDs, fl.ID)
		if i, ok := byID[fl.OrderLineID]; ok {
			lines[i].QuantityFulfilled = max(lines[i].QuantityFulfilled-fl.Quantity, 0)
		}
	}
	if err := tx.UpdateOrderLines(ctx, lines); err != nil {
		return nil, fmt.Errorf("failed to update order lines: %w", err)
	}
	if err := tx.DeleteFulfillmentLines(ctx, flIDs); err != nil {
		return nil, fmt.Errorf("failed to delete fulfillment lines: %w", err)
	}
	f.Lines = nil
	f.Status = models.FulfillmentCanceled
	if err := tx.UpdateFulfillment(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to update fulfillment: %w", err)
	}
	if err := e.syncOrder(ctx, tx, order, lines, fulfillments); err != nil {
		return nil, err
	}

	composed := f.ComposedID(order.Number)
	events := []models.OrderEvent{
		models.NewEvent(order.ID, models.EventFulfillmentCanceled, input.Actor, map[string]any{
			"fulfillment": composed,
		}),
	}
	if restocked > 0 {
		events = append(events, models.NewEvent(order.ID, models.EventFulfillmentRestockedItems, input.Actor, map[string]any{
			"fulfillment": composed,
			"quantity":    restocked,
			"warehouse":   warehouseID.String(),
		}))
	}
	if err := tx.AddEvents(ctx, events...); err != nil {
		return nil, fmt.Errorf("failed to add events: %w", err)
	}

	queue.Fulfillment(notify.EventFulfillmentCanceled, fulfillmentNotice(*order, *f, input.NotifyCustomer))
	queue.Order(notify.EventOrderUpdated, order.ID)

	return &CancelResult{Order: *order, Fulfillment: *f, Restocked: restocked}, nil
}

func onlyGiftCards(f models.Fulfillment, lines []models.OrderLine, byID map[uuid.UUID]int) bool {
	if len(f.Lines) == 0 {
		return false
	}
	for _, fl := range f.Lines {
		i, ok := byID[fl.OrderLineID]
		if !ok || !lines[i].IsGiftCard {
			return false
		}
	}
	return true
}

// UpdateTracking replaces the tracking number of a fulfillment.
func (e *Engine) UpdateTracking(ctx context.Context, fulfillmentID uuid.UUID, actor models.Actor, trackingNumber string, notifyCustomer bool) (*models.Fulfillment, error) {
	if err := actor.Validate(); err != nil {
		return nil, validation.New("actor", validation.CodeRequired, err.Error())
	}

	var updated models.Fulfillment
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, fulfillments, idx, err := lockFulfillment(ctx, tx, fulfillmentID)
		if err != nil {
			return err
		}
		f := &fulfillments[idx]
		if f.Status == models.FulfillmentCanceled {
			return validation.New("id", validation.CodeInvalidTransition, "canceled fulfillment cannot be tracked")
		}
		f.TrackingNumber = trackingNumber
		if err := tx.UpdateFulfillment(ctx, f); err != nil {
			return fmt.Errorf("failed to update fulfillment: %w", err)
		}
		if err := tx.AddEvents(ctx, models.NewEvent(order.ID, models.EventTrackingUpdated, actor, map[string]any{
			"fulfillment":     f.ComposedID(order.Number),
			"tracking_number": trackingNumber,
		})); err != nil {
			return fmt.Errorf("failed to add events: %w", err)
		}

		queue := e.notifier.Queue()
		queue.Fulfillment(notify.EventFulfillmentTrackingUpdated, fulfillmentNotice(*order, *f, notifyCustomer))
		queue.Order(notify.EventOrderUpdated, order.ID)
		queue.FlushOnCommit(tx)
		updated = *f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
