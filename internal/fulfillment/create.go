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
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

type StockInput struct {
	WarehouseID uuid.UUID
	Quantity    int
}

type LineInput struct {
	OrderLineID uuid.UUID
	Stocks      []StockInput
}

type CreateInput struct {
	OrderID        uuid.UUID
	Actor          models.Actor
	Lines          []LineInput
	NotifyCustomer bool
	TrackingNumber string
	// AllowStockToBeExceeded skips the availability check in addition to the
	// channel setting.
	AllowStockToBeExceeded bool
}

type CreateResult struct {
	Order        models.Order
	Fulfillments []models.Fulfillment
	GiftCards    []models.GiftCard
}

// validateCreateInput checks the request shape before anything is locked.
func validateCreateInput(input CreateInput) error {
	if err := input.Actor.Validate(); err != nil {
		return validation.New("actor", validation.CodeRequired, err.Error())
	}
	if len(input.Lines) == 0 {
		return validation.New("lines", validation.CodeRequired, "at least one line is required")
	}

	var errs validation.Errors
	var zero []uuid.UUID
	seen := map[demandKey]struct{}{}
	var duplicated []uuid.UUID
	for _, line := range input.Lines {
		total := 0
		for _, stock := range line.Stocks {
			k := demandKey{line.OrderLineID, stock.WarehouseID}
			if _, dup := seen[k]; dup {
				duplicated = append(duplicated, line.OrderLineID)
			}
			seen[k] = struct{}{}
			if stock.Quantity < 0 {
				zero = append(zero, line.OrderLineID)
			}
			total += stock.Quantity
		}
		if total <= 0 {
			zero = append(zero, line.OrderLineID)
		}
	}
	if len(zero) > 0 {
		errs = append(errs, validation.Error{
			Field:        "lines",
			Code:         validation.CodeZeroQuantity,
			Message:      "total quantity must be larger than 0",
			OrderLineIDs: uniqueIDs(zero),
		})
	}
	if len(duplicated) > 0 {
		errs = append(errs, validation.Error{
			Field:        "warehouse",
			Code:         validation.CodeDuplicatedInputItem,
			Message:      "duplicated warehouse for order line",
			OrderLineIDs: uniqueIDs(duplicated),
		})
	}
	return errs.Err()
}

// CreateFulfillments ships the requested quantities, one fulfillment per
// warehouse. Fulfillments start fulfilled when the channel auto-approves and
// waiting for approval otherwise; stock moves only for fulfilled ones.
func (e *Engine) CreateFulfillments(ctx context.Context, input CreateInput) (*CreateResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.create",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("CreateFulfillments"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	recordFailed := func(reason string) {
		meter.Count("fulfillment.create.failed", 1, sentry.WithAttributes(
			attribute.String("reason", reason),
		))
	}

	if err := validateCreateInput(input); err != nil {
		recordFailed("invalid_input")
		return nil, err
	}

	var result *CreateResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queue := e.notifier.Queue()
		r, err := e.createInTx(ctx, tx, input, queue)
		if err != nil {
			return err
		}
		queue.FlushOnCommit(tx)
		result = r
		return nil
	})
	if err != nil {
		recordFailed("rejected")
		return nil, err
	}

	meter.Count("fulfillment.created", int64(len(result.Fulfillments)), sentry.WithAttributes(
		attribute.String("status", string(result.Fulfillments[0].Status)),
	))
	e.loggerFromContext(ctx).Info("fulfillments created",
		"order_id", result.Order.ID,
		"count", len(result.Fulfillments),
		"status", result.Fulfillments[0].Status,
	)
	return result, nil
}

func (e *Engine) createInTx(ctx context.Context, tx store.Tx, input CreateInput, queue *notify.Queue) (*CreateResult, error) {
	order, err := lockOrder(ctx, tx, input.OrderID, "order")
	if err != nil {
		return nil, err
	}
	if _, rejected := unfulfillable[order.Status]; rejected {
		return nil, validation.New("order", validation.CodeInvalidTransition,
			fmt.Sprintf("cannot fulfill order in status %s", order.Status))
	}

	channel, err := tx.GetChannel(ctx, order.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if !orders.IsFullyPaid(*order) && channel.FulfillmentAutoApprove && !channel.FulfillmentAllowUnpaid {
		return nil, validation.New("order", validation.CodeCannotFulfillUnpaidOrder, "cannot fulfill unpaid order")
	}

	lines, err := tx.LockOrderLines(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	byID := lineIndex(lines)

	demands, err := collectDemands(input.Lines, lines, byID, channel)
	if err != nil {
		return nil, err
	}

	status := models.FulfillmentWaitingForApproval
	if channel.FulfillmentAutoApprove {
		status = models.FulfillmentFulfilled
	}
	allowExceed := input.AllowStockToBeExceeded || channel.AllowStockToBeExceeded

	var stockIDs map[demandKey]uuid.UUID
	if status == models.FulfillmentFulfilled {
		stockIDs, err = deductStocks(ctx, tx, demands, allowExceed)
	} else {
		stockIDs, err = referenceStocks(ctx, tx, demands, allowExceed)
	}
	if err != nil {
		return nil, err
	}

	existing, err := tx.LockFulfillments(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock fulfillments: %w", err)
	}
	next := nextFulfillmentOrder(existing)

	var created []models.Fulfillment
	byWarehouse := map[uuid.UUID]int{}
	for _, d := range demands {
		idx, ok := byWarehouse[d.warehouseID]
		if !ok {
			created = append(created, models.Fulfillment{
				OrderID:          order.ID,
				FulfillmentOrder: next,
				Status:           status,
				TrackingNumber:   input.TrackingNumber,
			})
			next++
			idx = len(created) - 1
			byWarehouse[d.warehouseID] = idx
		}
		fl := models.FulfillmentLine{OrderLineID: d.line.ID, Quantity: d.quantity}
		if stockID, ok := stockIDs[demandKey{d.line.ID, d.warehouseID}]; ok {
			fl.StockID = &stockID
		}
		created[idx].Lines = append(created[idx].Lines, fl)
		d.line.QuantityFulfilled += d.quantity
	}
	for i := range created {
		if err := tx.CreateFulfillment(ctx, &created[i]); err != nil {
			return nil, fmt.Errorf("failed to create fulfillment: %w", err)
		}
	}
	if err := tx.UpdateOrderLines(ctx, lines); err != nil {
		return nil, fmt.Errorf("failed to update order lines: %w", err)
	}

	if err := e.syncOrder(ctx, tx, order, lines, append(existing, created...)); err != nil {
		return nil, err
	}

	result := &CreateResult{Fulfillments: created}
	var events []models.OrderEvent
	for _, f := range created {
		eventType := models.EventFulfillmentAwaitsApproval
		if f.Status == models.FulfillmentFulfilled {
			eventType = models.EventFulfillmentFulfilledItems
		}
		events = append(events, models.NewEvent(order.ID, eventType, input.Actor, map[string]any{
			"fulfillment":     f.ComposedID(order.Number),
			"fulfilled_items": fulfillmentLineIDs(f),
			"quantity":        f.Quantity(),
		}))
		if input.TrackingNumber != "" {
			events = append(events, models.NewEvent(order.ID, models.EventTrackingUpdated, input.Actor, map[string]any{
				"fulfillment":     f.ComposedID(order.Number),
				"tracking_number": input.TrackingNumber,
			}))
		}

		if f.Status == models.FulfillmentFulfilled {
			cards, err := e.issueGiftCards(ctx, tx, *order, lines, f)
			if err != nil {
				return nil, err
			}
			if len(cards) > 0 {
				result.GiftCards = append(result.GiftCards, cards...)
				events = append(events, giftCardsEvent(order.ID, input.Actor, cards))
			}
		}
		queue.Fulfillment(notify.EventFulfillmentCreated, fulfillmentNotice(*order, f, input.NotifyCustomer))
	}
	if err := tx.AddEvents(ctx, events...); err != nil {
		return nil, fmt.Errorf("failed to add events: %w", err)
	}

	if len(result.GiftCards) > 0 {
		queue.GiftCards(notify.GiftCardNotice{
			OrderID:       order.ID,
			OrderNumber:   order.Number,
			CustomerEmail: order.UserEmail,
			Codes:         giftCardCodes(result.GiftCards),
		})
	}
	orderNotice(queue, *order)

	result.Order = *order
	return result, nil
}

// collectDemands resolves input lines against the locked order lines and
// checks quantities and preorder rules. Every failing line is reported.
func collectDemands(input []LineInput, lines []models.OrderLine, byID map[uuid.UUID]int, channel *models.Channel) ([]demand, error) {
	var missing, overFulfilled, preorder []uuid.UUID
	requested := map[uuid.UUID]int{}
	var demands []demand
	for _, in := range input {
		idx, ok := byID[in.OrderLineID]
		if !ok {
			missing = append(missing, in.OrderLineID)
			continue
		}
		line := &lines[idx]
		for _, stock := range in.Stocks {
			if stock.Quantity == 0 {
				continue
			}
			requested[line.ID] += stock.Quantity
			demands = append(demands, demand{line: line, warehouseID: stock.WarehouseID, quantity: stock.Quantity})
		}
	}
	if len(missing) > 0 {
		return nil, validation.Errors{{
			Field:        "orderLineId",
			Code:         validation.CodeNotFound,
			Message:      "order line not found",
			OrderLineIDs: uniqueIDs(missing),
		}}
	}

	preorderRequested := map[uuid.UUID]int{}
	for _, line := range lines {
		qty, ok := requested[line.ID]
		if !ok {
			continue
		}
		if qty > line.QuantityUnfulfilled() {
			overFulfilled = append(overFulfilled, line.ID)
		}
		if line.IsPreorder {
			if !channel.FulfillmentAutoApprove || line.VariantID == nil {
				preorder = append(preorder, line.ID)
				continue
			}
			preorderRequested[*line.VariantID] += qty
		}
	}
	for _, line := range lines {
		if !line.IsPreorder || line.VariantID == nil || !channel.FulfillmentAutoApprove {
			continue
		}
		if _, ok := requested[line.ID]; !ok {
			continue
		}
		capacity, limited := channel.PreorderThresholds[*line.VariantID]
		if limited && preorderRequested[*line.VariantID] > capacity {
			preorder = append(preorder, line.ID)
		}
	}

	var errs validation.Errors
	if len(overFulfilled) > 0 {
		errs = append(errs, validation.Error{
			Field:        "orderLineId",
			Code:         validation.CodeFulfillOrderLine,
			Message:      "only unfulfilled quantity can be fulfilled",
			OrderLineIDs: overFulfilled,
		})
	}
	if len(preorder) > 0 {
		errs = append(errs, validation.Error{
			Field:        "orderLineId",
			Code:         validation.CodeFulfillOrderLine,
			Message:      "preorder line cannot be fulfilled",
			OrderLineIDs: preorder,
		})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return demands, nil
}

// referenceStocks links waiting fulfillments to stock rows without moving
// any quantity.
func referenceStocks(ctx context.Context, tx store.Tx, demands []demand, allowExceed bool) (map[demandKey]uuid.UUID, error) {
	stocks, missing, err := resolveStocks(ctx, tx, demands, allowExceed)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &validation.InsufficientStockError{Items: missing}
	}
	out := make(map[demandKey]uuid.UUID, len(demands))
	for _, d := range demands {
		if k, ok := d.key(); ok {
			out[demandKey{d.line.ID, d.warehouseID}] = stocks[k].ID
		}
	}
	return out, nil
}

func giftCardsEvent(orderID uuid.UUID, actor models.Actor, cards []models.GiftCard) models.OrderEvent {
	ids := make([]string, 0, len(cards))
	for _, c := range cards {
		ids = append(ids, c.ID.String())
	}
	return models.NewEvent(orderID, models.EventGiftCardsIssued, actor, map[string]any{
		"gift_card_ids": ids,
	})
}

func fulfillmentLineIDs(f models.Fulfillment) []string {
	out := make([]string, 0, len(f.Lines))
	for _, fl := range f.Lines {
		out = append(out, fl.ID.String())
	}
	return out
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	return store.UniqueIDs(ids)
}
