package refunds

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

type RefundResult struct {
	Order       models.Order
	Fulfillment models.Fulfillment
	Grant       models.GrantedRefund
	Payments    []PaymentOutcome
}

// GatewayErrors lists the payments the gateway refused. The grant and the
// refunded fulfillment stand regardless.
func (r *RefundResult) GatewayErrors() []error {
	return gatewayErrors(r.Payments)
}

// RefundFulfillmentProducts grants a refund for the given lines or amount,
// moves the refunded quantities into a refunded fulfillment and then asks the
// gateway to move the money. Validation happens before any gateway call.
// Gateway failures are recorded on the order and returned in the result, not
// as an error.
func (e *Engine) RefundFulfillmentProducts(ctx context.Context, input RefundInput) (*RefundResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.refunds.refund",
		sentry.WithOpName("service.refunds"),
		sentry.WithDescription("RefundFulfillmentProducts"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	req := input.request()
	if err := validateShape(req); err != nil {
		meter.Count("refunds.refund.rejected", 1)
		return nil, err
	}

	var result *RefundResult
	var work *pending
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queue := e.notifier.Queue()
		r, p, err := e.refundInTx(ctx, tx, req, queue)
		if err != nil {
			return err
		}
		queue.FlushOnCommit(tx)
		result, work = r, p
		return nil
	})
	if err != nil {
		meter.Count("refunds.refund.rejected", 1)
		return nil, err
	}

	order, outcomes, err := e.run(ctx, work, result.Order)
	result.Order = order
	result.Payments = outcomes
	meter.Count("refunds.refunded", 1, sentry.WithAttributes(
		attribute.String("gateway_failed", fmt.Sprint(len(result.GatewayErrors()) > 0)),
	))
	return result, err
}

func (e *Engine) refundInTx(ctx context.Context, tx store.Tx, req request, queue *notify.Queue) (*RefundResult, *pending, error) {
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
	if len(moves) == 0 && !p.total.Amount.IsPositive() {
		return nil, nil, validation.New("amountToRefund", validation.CodeCannotRefund, "nothing to refund")
	}

	// Lines taken from a returned fulfillment stay returned.
	var plain, returned []move
	for _, m := range moves {
		if m.source != nil && sourceStatus(s, m.source.FulfillmentID) == models.FulfillmentReturned {
			returned = append(returned, m)
			continue
		}
		plain = append(plain, m)
	}
	total := p.total.Amount
	shipping := p.shipping.Amount
	targets := []target{
		{status: models.FulfillmentRefunded, moves: plain},
		{status: models.FulfillmentRefundedAndReturned, moves: returned},
	}
	if len(plain) > 0 || len(returned) == 0 {
		targets[0].total, targets[0].shipping = &total, &shipping
	} else {
		targets[1].total, targets[1].shipping = &total, &shipping
	}

	created, err := applyMoves(ctx, tx, s, targets)
	if err != nil {
		return nil, nil, err
	}
	refunded := firstCreated(created)
	if refunded == nil {
		// Amount-only refunds still get a fulfillment carrying the amount.
		refunded = &models.Fulfillment{
			OrderID:              s.order.ID,
			FulfillmentOrder:     nextFulfillmentOrder(s.fulfillments),
			Status:               models.FulfillmentRefunded,
			TotalRefundAmount:    &total,
			ShippingRefundAmount: &shipping,
		}
		if err := tx.CreateFulfillment(ctx, refunded); err != nil {
			return nil, nil, fmt.Errorf("failed to create refunded fulfillment: %w", err)
		}
		s.fulfillments = append(s.fulfillments, *refunded)
	}

	grant, work, err := e.book(ctx, tx, req, s, p, moves)
	if err != nil {
		return nil, nil, err
	}
	if err := e.syncOrder(ctx, tx, s); err != nil {
		return nil, nil, err
	}

	if err := tx.AddEvents(ctx, refundedEvent(*s.order, *refunded, req.actor, p, moves)); err != nil {
		return nil, nil, fmt.Errorf("failed to add events: %w", err)
	}
	queue.Order(notify.EventOrderUpdated, s.order.ID)

	return &RefundResult{Order: *s.order, Fulfillment: *refunded, Grant: grant}, work, nil
}

// book writes the ledger entry for the refunded moves. The returned pending
// work is nil when no money has to move.
func (e *Engine) book(ctx context.Context, tx store.Tx, req request, s *snapshot, p plan, moves []move) (models.GrantedRefund, *pending, error) {
	perLine := map[uuid.UUID]int{}
	var lineIDs []uuid.UUID
	for _, m := range moves {
		if !m.refunded {
			continue
		}
		if _, ok := perLine[m.line.ID]; !ok {
			lineIDs = append(lineIDs, m.line.ID)
		}
		perLine[m.line.ID] += m.quantity
	}

	grant := models.GrantedRefund{
		OrderID:               s.order.ID,
		Amount:                p.total.Amount,
		Currency:              s.order.Currency,
		Reason:                req.reason,
		ShippingCostsIncluded: p.shippingIncluded(),
		Status:                models.GrantedRefundSuccess,
	}
	if len(p.splits) > 0 {
		grant.Status = models.GrantedRefundPending
	}
	for _, id := range lineIDs {
		grant.Lines = append(grant.Lines, models.GrantedRefundLine{OrderLineID: id, Quantity: perLine[id], Reason: req.reason})
	}
	if err := tx.CreateGrantedRefund(ctx, &grant); err != nil {
		return grant, nil, fmt.Errorf("failed to create granted refund: %w", err)
	}
	s.grants = append(s.grants, grant)

	if len(p.splits) == 0 {
		return grant, nil, nil
	}
	return grant, &pending{
		orderID:     s.order.ID,
		channelSlug: s.channel.Slug,
		grantID:     grant.ID,
		actor:       req.actor,
		reason:      req.reason,
		splits:      p.splits,
	}, nil
}

func refundedEvent(order models.Order, f models.Fulfillment, actor models.Actor, p plan, moves []move) models.OrderEvent {
	return models.NewEvent(order.ID, models.EventFulfillmentRefunded, actor, map[string]any{
		"fulfillment":             f.ComposedID(order.Number),
		"amount":                  p.total.Amount.String(),
		"currency":                p.total.Currency,
		"shipping_costs_included": p.shippingIncluded(),
		"quantity":                refundedQuantity(moves),
	})
}

func refundedQuantity(moves []move) int {
	total := 0
	for _, m := range moves {
		if m.refunded {
			total += m.quantity
		}
	}
	return total
}

func sourceStatus(s *snapshot, fulfillmentID uuid.UUID) models.FulfillmentStatus {
	for _, f := range s.fulfillments {
		if f.ID == fulfillmentID {
			return f.Status
		}
	}
	return ""
}

func firstCreated(created []*models.Fulfillment) *models.Fulfillment {
	for _, f := range created {
		if f != nil {
			return f
		}
	}
	return nil
}
