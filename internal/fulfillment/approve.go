package fulfillment

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

type ApproveInput struct {
	FulfillmentID          uuid.UUID
	Actor                  models.Actor
	AllowStockToBeExceeded bool
	NotifyCustomer         bool
}

type ApproveResult struct {
	Order       models.Order
	Fulfillment models.Fulfillment
	GiftCards   []models.GiftCard
}

// ApproveFulfillment moves a waiting fulfillment to fulfilled, deducting
// stock for every line or none at all.
func (e *Engine) ApproveFulfillment(ctx context.Context, input ApproveInput) (*ApproveResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.approve",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("ApproveFulfillment"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	if err := input.Actor.Validate(); err != nil {
		return nil, validation.New("actor", validation.CodeRequired, err.Error())
	}

	var result *ApproveResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queue := e.notifier.Queue()
		r, err := e.approveInTx(ctx, tx, input, queue)
		if err != nil {
			return err
		}
		queue.FlushOnCommit(tx)
		result = r
		return nil
	})
	if err != nil {
		meter.Count("fulfillment.approve.failed", 1)
		return nil, err
	}

	meter.Count("fulfillment.approved", 1)
	e.loggerFromContext(ctx).Info("fulfillment approved",
		"order_id", result.Order.ID,
		"fulfillment_id", result.Fulfillment.ID,
	)
	return result, nil
}

func (e *Engine) approveInTx(ctx context.Context, tx store.Tx, input ApproveInput, queue *notify.Queue) (*ApproveResult, error) {
	order, fulfillments, idx, err := lockFulfillment(ctx, tx, input.FulfillmentID)
	if err != nil {
		return nil, err
	}
	f := &fulfillments[idx]
	if f.Status != models.FulfillmentWaitingForApproval {
		return nil, validation.New("id", validation.CodeInvalidTransition,
			fmt.Sprintf("fulfillment in status %s cannot be approved", f.Status))
	}
	if _, rejected := unfulfillable[order.Status]; rejected {
		return nil, validation.New("order", validation.CodeInvalidTransition,
			fmt.Sprintf("cannot approve fulfillment of order in status %s", order.Status))
	}

	channel, err := tx.GetChannel(ctx, order.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if !orders.IsFullyPaid(*order) && !channel.FulfillmentAllowUnpaid {
		return nil, validation.New("order", validation.CodeCannotFulfillUnpaidOrder, "cannot fulfill unpaid order")
	}

	lines, err := tx.LockOrderLines(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	demands, err := approvalDemands(ctx, tx, *f, lines)
	if err != nil {
		return nil, err
	}
	allowExceed := input.AllowStockToBeExceeded || channel.AllowStockToBeExceeded
	if _, err := deductStocks(ctx, tx, demands, allowExceed); err != nil {
		return nil, err
	}

	f.Status = models.FulfillmentFulfilled
	if err := tx.UpdateFulfillment(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to update fulfillment: %w", err)
	}
	if err := e.syncOrder(ctx, tx, order, lines, fulfillments); err != nil {
		return nil, err
	}

	composed := f.ComposedID(order.Number)
	events := []models.OrderEvent{
		models.NewEvent(order.ID, models.EventFulfillmentApproved, input.Actor, map[string]any{
			"fulfillment": composed,
		}),
		models.NewEvent(order.ID, models.EventFulfillmentFulfilledItems, input.Actor, map[string]any{
			"fulfillment":     composed,
			"fulfilled_items": fulfillmentLineIDs(*f),
			"quantity":        f.Quantity(),
		}),
	}
	cards, err := e.issueGiftCards(ctx, tx, *order, lines, *f)
	if err != nil {
		return nil, err
	}
	if len(cards) > 0 {
		events = append(events, giftCardsEvent(order.ID, input.Actor, cards))
		queue.GiftCards(notify.GiftCardNotice{
			OrderID:       order.ID,
			OrderNumber:   order.Number,
			CustomerEmail: order.UserEmail,
			Codes:         giftCardCodes(cards),
		})
	}
	if err := tx.AddEvents(ctx, events...); err != nil {
		return nil, fmt.Errorf("failed to add events: %w", err)
	}

	queue.Fulfillment(notify.EventFulfillmentApproved, fulfillmentNotice(*order, *f, input.NotifyCustomer))
	orderNotice(queue, *order)

	return &ApproveResult{Order: *order, Fulfillment: *f, GiftCards: cards}, nil
}

// approvalDemands rebuilds the stock demands of a waiting fulfillment from
// the stock rows its lines reference.
func approvalDemands(ctx context.Context, tx store.Tx, f models.Fulfillment, lines []models.OrderLine) ([]demand, error) {
	var stockIDs []uuid.UUID
	for _, fl := range f.Lines {
		if fl.StockID != nil {
			stockIDs = append(stockIDs, *fl.StockID)
		}
	}
	stocks, err := tx.LockStocksByID(ctx, store.UniqueIDs(stockIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to lock stocks: %w", err)
	}
	warehouses := make(map[uuid.UUID]uuid.UUID, len(stocks))
	for _, s := range stocks {
		warehouses[s.ID] = s.WarehouseID
	}

	byID := lineIndex(lines)
	demands := make([]demand, 0, len(f.Lines))
	for _, fl := range f.Lines {
		idx, ok := byID[fl.OrderLineID]
		if !ok || fl.StockID == nil {
			continue
		}
		warehouseID, ok := warehouses[*fl.StockID]
		if !ok {
			continue
		}
		demands = append(demands, demand{line: &lines[idx], warehouseID: warehouseID, quantity: fl.Quantity})
	}
	return demands, nil
}
