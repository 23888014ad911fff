package repair

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// ChargeStatusReconciler recomputes the charge status of orders that carry
// granted refunds, since grants lower the amount the order should be charged.
type ChargeStatusReconciler struct {
	base
}

func NewChargeStatusReconciler(deps Deps) (*ChargeStatusReconciler, error) {
	b, err := newBase(deps, "charge_status_reconciler")
	if err != nil {
		return nil, err
	}
	return &ChargeStatusReconciler{base: b}, nil
}

func (r *ChargeStatusReconciler) Name() string {
	return "charge_status_reconciler"
}

func (r *ChargeStatusReconciler) RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error) {
	return r.batch(ctx, r.Name(), func(ctx context.Context) (int, *Cursor, error) {
		var fixed int
		var next *Cursor
		err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			candidates, err := tx.LockOrdersWithGrantedRefunds(ctx, store.Page{AfterID: cursor.AfterID, Limit: r.batchSize})
			if err != nil {
				return fmt.Errorf("failed to lock orders: %w", err)
			}
			if len(candidates) == r.batchSize {
				next = &Cursor{AfterID: candidates[len(candidates)-1].ID}
			}
			if len(candidates) == 0 {
				return nil
			}

			granted, err := tx.GrantedRefundTotals(ctx, orderIDs(candidates, func(o models.Order) uuid.UUID { return o.ID }))
			if err != nil {
				return fmt.Errorf("failed to sum granted refunds: %w", err)
			}
			var changed []models.Order
			for _, order := range candidates {
				status := orders.ChargeStatus(order, granted[order.ID])
				if status == order.ChargeStatus {
					continue
				}
				order.ChargeStatus = status
				changed = append(changed, order)
			}
			if len(changed) == 0 {
				return nil
			}
			if err := tx.UpdateOrders(ctx, changed); err != nil {
				return fmt.Errorf("failed to update orders: %w", err)
			}
			queue := r.notifier.Queue()
			queue.Order(notify.EventOrderUpdated, orderIDs(changed, func(o models.Order) uuid.UUID { return o.ID })...)
			queue.FlushOnCommit(tx)
			fixed = len(changed)
			return nil
		})
		if err != nil {
			return 0, nil, err
		}
		return fixed, next, nil
	})
}
