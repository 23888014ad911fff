package repair

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
)

const (
	phaseLines  = "lines"
	phaseOrders = "orders"
)

// UndiscountedTotalFixer first rewrites line totals that drifted from unit
// price times quantity, then raises order undiscounted totals that fell below
// the sum of their lines and undiscounted shipping. Drifted lines of orders
// with voucher lines are left to the order phase, which corrects them together
// with their order so each order is notified once.
type UndiscountedTotalFixer struct {
	base
	lineBatchSize int
}

func NewUndiscountedTotalFixer(deps Deps) (*UndiscountedTotalFixer, error) {
	b, err := newBase(deps, "undiscounted_total_fixer")
	if err != nil {
		return nil, err
	}
	lineBatchSize := deps.LineBatchSize
	if lineBatchSize <= 0 {
		lineBatchSize = DefaultLineBatchSize
	}
	return &UndiscountedTotalFixer{base: b, lineBatchSize: lineBatchSize}, nil
}

func (f *UndiscountedTotalFixer) Name() string {
	return "undiscounted_total_fixer"
}

func (f *UndiscountedTotalFixer) RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error) {
	return f.batch(ctx, f.Name(), func(ctx context.Context) (int, *Cursor, error) {
		if cursor.Phase == phaseOrders {
			return f.fixOrders(ctx, cursor)
		}
		return f.fixLines(ctx, cursor)
	})
}

func (f *UndiscountedTotalFixer) fixLines(ctx context.Context, cursor Cursor) (int, *Cursor, error) {
	var fixed int
	var next *Cursor
	err := f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lines, err := tx.LockDriftedLines(ctx, store.Page{AfterID: cursor.AfterID, Limit: f.lineBatchSize})
		if err != nil {
			return fmt.Errorf("failed to lock drifted lines: %w", err)
		}
		if len(lines) == f.lineBatchSize {
			next = &Cursor{Phase: phaseLines, AfterID: lines[len(lines)-1].ID}
		} else {
			next = &Cursor{Phase: phaseOrders}
		}
		if len(lines) == 0 {
			return nil
		}

		withVoucher, err := ordersWithVoucherLines(ctx, tx, orderIDs(lines, func(l models.OrderLine) uuid.UUID { return l.OrderID }))
		if err != nil {
			return err
		}
		changed := make([]models.OrderLine, 0, len(lines))
		for _, line := range lines {
			if _, ok := withVoucher[line.OrderID]; ok {
				continue
			}
			line.TotalPrice, line.UndiscountedTotalPrice = orders.LineTotals(line)
			changed = append(changed, line)
		}
		if len(changed) == 0 {
			return nil
		}
		if err := tx.UpdateOrderLines(ctx, changed); err != nil {
			return fmt.Errorf("failed to update lines: %w", err)
		}
		queue := f.notifier.Queue()
		queue.Order(notify.EventOrderUpdated, orderIDs(changed, func(l models.OrderLine) uuid.UUID { return l.OrderID })...)
		queue.FlushOnCommit(tx)
		fixed = len(changed)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return fixed, next, nil
}

func ordersWithVoucherLines(ctx context.Context, tx store.Tx, ids []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	lines, err := tx.LinesForOrders(ctx, store.SortIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load lines: %w", err)
	}
	out := map[uuid.UUID]struct{}{}
	for _, line := range lines {
		if line.VoucherCode != "" {
			out[line.OrderID] = struct{}{}
		}
	}
	return out, nil
}

func (f *UndiscountedTotalFixer) fixOrders(ctx context.Context, cursor Cursor) (int, *Cursor, error) {
	var fixed int
	var next *Cursor
	err := f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		candidates, err := tx.LockOrdersWithVoucherLines(ctx, store.Page{AfterID: cursor.AfterID, Limit: f.batchSize})
		if err != nil {
			return fmt.Errorf("failed to lock orders: %w", err)
		}
		if len(candidates) == f.batchSize {
			next = &Cursor{Phase: phaseOrders, AfterID: candidates[len(candidates)-1].ID}
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := orderIDs(candidates, func(o models.Order) uuid.UUID { return o.ID })
		lines, err := tx.LinesForOrders(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load lines: %w", err)
		}
		var drifted []models.OrderLine
		affected := map[uuid.UUID]struct{}{}
		byOrder := map[uuid.UUID][]money.TaxedMoney{}
		for _, line := range lines {
			total, undiscounted := orders.LineTotals(line)
			if !total.Equal(line.TotalPrice) || !undiscounted.Equal(line.UndiscountedTotalPrice) {
				line.TotalPrice, line.UndiscountedTotalPrice = total, undiscounted
				drifted = append(drifted, line)
				affected[line.OrderID] = struct{}{}
			}
			byOrder[line.OrderID] = append(byOrder[line.OrderID], line.UndiscountedTotalPrice)
		}

		var changed []models.Order
		for _, order := range candidates {
			expected, err := money.Sum(order.Currency, append(byOrder[order.ID], order.UndiscountedShippingPrice)...)
			if err != nil {
				return fmt.Errorf("failed to sum order %s: %w", order.ID, err)
			}
			below, err := order.UndiscountedTotal.LessThan(expected)
			if err != nil {
				return fmt.Errorf("failed to compare order %s: %w", order.ID, err)
			}
			if !below {
				continue
			}
			order.UndiscountedTotal = raise(order.UndiscountedTotal, expected.Quantize())
			changed = append(changed, order)
			affected[order.ID] = struct{}{}
		}
		if len(affected) == 0 {
			return nil
		}
		if len(drifted) > 0 {
			if err := tx.UpdateOrderLines(ctx, drifted); err != nil {
				return fmt.Errorf("failed to update lines: %w", err)
			}
		}
		if len(changed) > 0 {
			if err := tx.UpdateOrders(ctx, changed); err != nil {
				return fmt.Errorf("failed to update orders: %w", err)
			}
		}
		queue := f.notifier.Queue()
		for _, order := range candidates {
			if _, ok := affected[order.ID]; ok {
				queue.Order(notify.EventOrderUpdated, order.ID)
			}
		}
		queue.FlushOnCommit(tx)
		fixed = len(affected)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return fixed, next, nil
}

// raise lifts each component of current that is below floor.
func raise(current, floor money.TaxedMoney) money.TaxedMoney {
	return money.NewTaxed(
		decimal.Max(current.Net.Amount, floor.Net.Amount),
		decimal.Max(current.Gross.Amount, floor.Gross.Amount),
		floor.Currency(),
	)
}
