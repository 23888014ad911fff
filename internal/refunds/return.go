package refunds

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
)

type ReturnResult struct {
	Order              models.Order
	ReturnFulfillment  *models.Fulfillment
	ReplaceFulfillment *models.Fulfillment
	ReplaceOrder       *models.Order
	Grant              *models.GrantedRefund
	Payments           []PaymentOutcome
}

func (r *ReturnResult) GatewayErrors() []error {
	return gatewayErrors(r.Payments)
}

// ReturnFulfillmentProducts takes lines back from the customer. Replaced
// lines move into a replaced fulfillment and are reissued on a new draft
// order; the rest move into a returned fulfillment and are refunded when
// input.Refund is set.
func (e *Engine) ReturnFulfillmentProducts(ctx context.Context, input ReturnInput) (*ReturnResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.refunds.return",
		sentry.WithOpName("service.refunds"),
		sentry.WithDescription("ReturnFulfillmentProducts"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	req := input.request()
	if err := validateShape(req); err != nil {
		meter.Count("refunds.return.rejected", 1)
		return nil, err
	}

	var result *ReturnResult
	var work *pending
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queue := e.notifier.Queue()
		r, p, err := e.returnInTx(ctx, tx, req, queue)
		if err != nil {
			return err
		}
		queue.FlushOnCommit(tx)
		result, work = r, p
		return nil
	})
	if err != nil {
		meter.Count("refunds.return.rejected", 1)
		return nil, err
	}
	meter.Count("refunds.returned", 1)
	if result.ReplaceOrder != nil {
		meter.Count("refunds.replacement_created", 1)
	}

	order, outcomes, err := e.run(ctx, work, result.Order)
	result.Order = order
	result.Payments = outcomes
	return result, err
}

func (e *Engine) returnInTx(ctx context.Context, tx store.Tx, req request, queue *notify.Queue) (*ReturnResult, *pending, error) {
	s, err := loadSnapshot(ctx, tx, req.orderID)
	if err != nil {
		return nil, nil, err
	}
	moves, err := resolveMoves(req, s)
	if err != nil {
		return nil, nil, err
	}
	p, err := planRefund(req, s, moves)
	if err != nil {
		return nil, nil, err
	}

	// Returning already refunded lines, or refunding now, ends in
	// refunded_and_returned.
	var returned, refundedReturned, replaced []move
	for _, m := range moves {
		switch {
		case m.replace:
			replaced = append(replaced, m)
		case m.refunded:
			refundedReturned = append(refundedReturned, m)
		case m.source != nil && sourceStatus(s, m.source.FulfillmentID) == models.FulfillmentRefunded:
			refundedReturned = append(refundedReturned, m)
		default:
			returned = append(returned, m)
		}
	}
	targets := []target{
		{status: models.FulfillmentReturned, moves: returned},
		{status: models.FulfillmentRefundedAndReturned, moves: refundedReturned},
		{status: models.FulfillmentReplaced, moves: replaced},
	}
	refunding := req.refund && (p.total.Amount.IsPositive() || refundedQuantity(moves) > 0)
	if refunding {
		total, shipping := p.total.Amount, p.shipping.Amount
		targets[1].total, targets[1].shipping = &total, &shipping
	}

	created, err := applyMoves(ctx, tx, s, targets)
	if err != nil {
		return nil, nil, err
	}
	result := &ReturnResult{ReplaceFulfillment: created[2]}
	result.ReturnFulfillment = firstCreated(created[:2])

	var events []models.OrderEvent
	for _, f := range created[:2] {
		if f == nil {
			continue
		}
		events = append(events, models.NewEvent(s.order.ID, models.EventFulfillmentReturned, req.actor, map[string]any{
			"fulfillment": f.ComposedID(s.order.Number),
			"quantity":    f.Quantity(),
		}))
	}

	var work *pending
	if refunding {
		grant, w, err := e.book(ctx, tx, req, s, p, moves)
		if err != nil {
			return nil, nil, err
		}
		result.Grant, work = &grant, w
		refundTarget := created[1]
		if refundTarget == nil {
			refundTarget = result.ReturnFulfillment
		}
		if refundTarget != nil {
			events = append(events, refundedEvent(*s.order, *refundTarget, req.actor, p, moves))
		}
	}

	if replace := created[2]; replace != nil {
		events = append(events, models.NewEvent(s.order.ID, models.EventFulfillmentReplaced, req.actor, map[string]any{
			"fulfillment": replace.ComposedID(s.order.Number),
			"quantity":    replace.Quantity(),
		}))
		reissued, err := e.reissue(ctx, tx, *s.order, replaced, req.actor)
		if err != nil {
			return nil, nil, err
		}
		result.ReplaceOrder = reissued
		events = append(events, models.NewEvent(s.order.ID, models.EventOrderReplacementCreated, req.actor, map[string]any{
			"related_order_id":     reissued.ID.String(),
			"related_order_number": reissued.Number,
		}))
		queue.Order(notify.EventDraftOrderCreated, reissued.ID)
	}

	if err := e.syncOrder(ctx, tx, s); err != nil {
		return nil, nil, err
	}
	if err := tx.AddEvents(ctx, events...); err != nil {
		return nil, nil, fmt.Errorf("failed to add events: %w", err)
	}
	queue.Order(notify.EventOrderUpdated, s.order.ID)

	result.Order = *s.order
	return result, work, nil
}

// reissue creates the draft replacement order with one fresh line per
// replaced order line, mirroring its variant, prices and replaced quantity.
func (e *Engine) reissue(ctx context.Context, tx store.Tx, source models.Order, replaced []move, actor models.Actor) (*models.Order, error) {
	perLine := map[uuid.UUID]int{}
	var originals []*models.OrderLine
	for _, m := range replaced {
		if _, ok := perLine[m.line.ID]; !ok {
			originals = append(originals, m.line)
		}
		perLine[m.line.ID] += m.quantity
	}

	lines := make([]models.OrderLine, 0, len(originals))
	for _, original := range originals {
		qty := perLine[original.ID]
		line := *original
		line.ID = uuid.Nil
		line.OrderID = uuid.Nil
		line.Quantity = qty
		line.QuantityFulfilled = 0
		line.TotalPrice, line.UndiscountedTotalPrice = orders.LineTotals(line)
		line.CreatedAt = e.now()
		lines = append(lines, line)
	}

	originalID := source.ID
	draft := models.Order{
		ChannelID:                 source.ChannelID,
		Status:                    models.StatusDraft,
		Origin:                    models.OriginReissue,
		OriginalID:                &originalID,
		Currency:                  source.Currency,
		ShippingPrice:             money.ZeroTaxed(source.Currency),
		UndiscountedShippingPrice: money.ZeroTaxed(source.Currency),
		UserEmail:                 source.UserEmail,
		CreatedAt:                 e.now(),
	}
	draft, err := orders.RecomputeTotals(draft, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to compute replacement totals: %w", err)
	}
	draft = orders.UpdateChargeData(draft, nil, decimal.Zero)
	if err := tx.CreateOrder(ctx, &draft); err != nil {
		return nil, fmt.Errorf("failed to create replacement order: %w", err)
	}
	for i := range lines {
		lines[i].OrderID = draft.ID
	}
	if err := tx.CreateOrderLines(ctx, lines); err != nil {
		return nil, fmt.Errorf("failed to create replacement lines: %w", err)
	}
	if err := tx.AddEvents(ctx, models.NewEvent(draft.ID, models.EventDraftCreatedFromReplace, actor, map[string]any{
		"related_order_id":     source.ID.String(),
		"related_order_number": source.Number,
	})); err != nil {
		return nil, fmt.Errorf("failed to add events: %w", err)
	}
	return &draft, nil
}
