package repair

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// SubtotalRecomputer walks orders by number in fixed windows and rewrites
// subtotals that no longer match the sum of their line totals.
type SubtotalRecomputer struct {
	base
	windowSize int64
}

func NewSubtotalRecomputer(deps Deps) (*SubtotalRecomputer, error) {
	b, err := newBase(deps, "subtotal_recomputer")
	if err != nil {
		return nil, err
	}
	windowSize := deps.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &SubtotalRecomputer{base: b, windowSize: windowSize}, nil
}

func (r *SubtotalRecomputer) Name() string {
	return "subtotal_recomputer"
}

func (r *SubtotalRecomputer) RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error) {
	return r.batch(ctx, r.Name(), func(ctx context.Context) (int, *Cursor, error) {
		from := max(cursor.FromNumber, 1)
		to := from + r.windowSize

		var fixed int
		var next *Cursor
		err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			highest, err := tx.MaxOrderNumber(ctx)
			if err != nil {
				return fmt.Errorf("failed to read highest order number: %w", err)
			}
			if to <= highest {
				next = &Cursor{FromNumber: to}
			}

			window, err := tx.LockOrdersByNumber(ctx, from, to)
			if err != nil {
				return fmt.Errorf("failed to lock orders %d-%d: %w", from, to, err)
			}
			if len(window) == 0 {
				return nil
			}
			lines, err := tx.LinesForOrders(ctx, orderIDs(window, func(o models.Order) uuid.UUID { return o.ID }))
			if err != nil {
				return fmt.Errorf("failed to load lines: %w", err)
			}
			byOrder := map[uuid.UUID][]models.OrderLine{}
			for _, line := range lines {
				byOrder[line.OrderID] = append(byOrder[line.OrderID], line)
			}

			var changed []models.Order
			for _, order := range window {
				subtotal, err := orders.Subtotal(order.Currency, byOrder[order.ID])
				if err != nil {
					return fmt.Errorf("failed to sum order %s: %w", order.ID, err)
				}
				if subtotal.Equal(order.Subtotal) {
					continue
				}
				order.Subtotal = subtotal
				changed = append(changed, order)
			}
			if len(changed) == 0 {
				return nil
			}
			if err := tx.UpdateOrders(ctx, changed); err != nil {
				return fmt.Errorf("failed to update orders: %w", err)
			}
			fixed = len(changed)
			return nil
		})
		if err != nil {
			return 0, nil, err
		}
		return fixed, next, nil
	})
}
