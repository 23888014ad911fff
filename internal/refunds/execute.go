package refunds

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/payments"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// PaymentOutcome is the gateway result for one payment of a refund.
type PaymentOutcome struct {
	PaymentID uuid.UUID
	Amount    money.Money
	Reference string
	Err       error
}

// pending is a committed grant whose money still has to move.
type pending struct {
	orderID     uuid.UUID
	channelSlug string
	grantID     uuid.UUID
	actor       models.Actor
	reason      string
	splits      []split
}

// execute calls the gateway for every split. Failures do not stop the
// remaining splits.
func (e *Engine) execute(ctx context.Context, p pending) []PaymentOutcome {
	logger := e.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	outcomes := make([]PaymentOutcome, 0, len(p.splits))
	for _, sp := range p.splits {
		outcome := PaymentOutcome{PaymentID: sp.payment.ID, Amount: sp.amount}
		refund, err := e.gateway.Refund(ctx, payments.RefundRequest{
			OrderID:     p.orderID,
			GrantID:     p.grantID,
			ChannelSlug: p.channelSlug,
			Payment:     sp.payment,
			Amount:      sp.amount,
			Reason:      p.reason,
		})
		if err != nil {
			meter.Count("refunds.gateway.failed", 1)
			logger.Warn("payment refund failed",
				"order_id", p.orderID,
				"payment_id", sp.payment.ID,
				"amount", sp.amount.String(),
				"error", err,
			)
			outcome.Err = err
		} else {
			meter.Count("refunds.gateway.succeeded", 1)
			outcome.Reference = refund.Reference
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// settle records gateway outcomes in a second transaction: refunded amounts
// on payments, charge data, the grant status and one event per payment.
func (e *Engine) settle(ctx context.Context, p pending, outcomes []PaymentOutcome) (*models.Order, error) {
	var settled models.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := lockOrder(ctx, tx, p.orderID)
		if err != nil {
			return err
		}
		all, err := tx.ListPayments(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		byID := make(map[uuid.UUID]int, len(all))
		for i, pay := range all {
			byID[pay.ID] = i
		}

		status := models.GrantedRefundSuccess
		succeeded := false
		events := make([]models.OrderEvent, 0, len(outcomes))
		for _, o := range outcomes {
			params := map[string]any{
				"amount":     o.Amount.Amount.String(),
				"currency":   o.Amount.Currency,
				"payment_id": o.PaymentID.String(),
			}
			if o.Err != nil {
				status = models.GrantedRefundFailure
				params["message"] = o.Err.Error()
				events = append(events, models.NewEvent(order.ID, models.EventPaymentRefundFailed, p.actor, params))
				continue
			}
			i, ok := byID[o.PaymentID]
			if !ok {
				return fmt.Errorf("payment %s vanished from order %s", o.PaymentID, order.ID)
			}
			refunded, err := all[i].Refunded.Add(o.Amount)
			if err != nil {
				return fmt.Errorf("failed to add refunded amount: %w", err)
			}
			all[i].Refunded = refunded
			if err := tx.UpdatePayment(ctx, &all[i]); err != nil {
				return fmt.Errorf("failed to update payment: %w", err)
			}
			succeeded = true
			params["reference"] = o.Reference
			events = append(events, models.NewEvent(order.ID, models.EventPaymentRefunded, p.actor, params))
		}

		granted, err := tx.GrantedRefundTotals(ctx, []uuid.UUID{order.ID})
		if err != nil {
			return fmt.Errorf("failed to sum granted refunds: %w", err)
		}
		updated := orders.UpdateChargeData(*order, all, granted[order.ID])
		if err := tx.UpdateOrders(ctx, []models.Order{updated}); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if err := tx.UpdateGrantedRefundStatus(ctx, p.grantID, status); err != nil {
			return fmt.Errorf("failed to update granted refund: %w", err)
		}
		if err := tx.AddEvents(ctx, events...); err != nil {
			return fmt.Errorf("failed to add events: %w", err)
		}

		queue := e.notifier.Queue()
		if succeeded {
			queue.Order(notify.EventOrderRefunded, order.ID)
		}
		queue.Order(notify.EventOrderUpdated, order.ID)
		queue.FlushOnCommit(tx)
		settled = updated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record refund outcome: %w", err)
	}
	return &settled, nil
}

// run moves the money of a committed grant and records the outcome. When
// nothing has to move the grant is settled immediately.
func (e *Engine) run(ctx context.Context, p *pending, order models.Order) (models.Order, []PaymentOutcome, error) {
	if p == nil {
		return order, nil, nil
	}
	outcomes := e.execute(ctx, *p)
	settled, err := e.settle(ctx, *p, outcomes)
	if err != nil {
		e.loggerFromContext(ctx).Error("refund outcome not recorded",
			"order_id", p.orderID,
			"granted_refund_id", p.grantID,
			"error", err,
		)
		return order, outcomes, err
	}
	return *settled, outcomes, nil
}

func gatewayErrors(outcomes []PaymentOutcome) []error {
	var out []error
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o.Err)
		}
	}
	return out
}
