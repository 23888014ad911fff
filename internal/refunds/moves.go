package refunds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// target is a fulfillment to be created from a group of moves.
type target struct {
	status   models.FulfillmentStatus
	moves    []move
	total    *decimal.Decimal
	shipping *decimal.Decimal
}

type targetLineKey struct {
	orderLineID uuid.UUID
	stockID     uuid.UUID
}

// applyMoves takes every moved quantity out of its source, persists the
// sources, then creates one fulfillment per non-empty target. Sources left
// without lines are deleted. The snapshot is updated in place and the
// created fulfillments are returned in target order; empty targets yield a
// nil entry.
func applyMoves(ctx context.Context, tx store.Tx, s *snapshot, targets []target) ([]*models.Fulfillment, error) {
	// Target lines and numbers are taken before sources shrink, so a number
	// freed by a deleted source is never handed out again.
	number := nextFulfillmentOrder(s.fulfillments)
	prepared := make([]*models.Fulfillment, len(targets))
	for i, t := range targets {
		if len(t.moves) > 0 {
			prepared[i] = targetFulfillment(s.order.ID, t)
		}
	}

	touched := map[uuid.UUID]struct{}{}
	released := map[uuid.UUID]int{}
	linesChanged := false
	for _, t := range targets {
		for _, m := range t.moves {
			if m.source == nil {
				m.line.QuantityFulfilled += m.quantity
				released[m.line.ID] += m.quantity
				linesChanged = true
				continue
			}
			m.source.Quantity -= m.quantity
			touched[m.source.FulfillmentID] = struct{}{}
		}
	}

	if linesChanged {
		if err := tx.UpdateOrderLines(ctx, s.lines); err != nil {
			return nil, fmt.Errorf("failed to update order lines: %w", err)
		}
	}
	if err := persistSources(ctx, tx, s, touched); err != nil {
		return nil, err
	}
	if err := releaseAllocations(ctx, tx, released); err != nil {
		return nil, err
	}

	for _, f := range prepared {
		if f == nil {
			continue
		}
		f.FulfillmentOrder = number
		number++
		if err := tx.CreateFulfillment(ctx, f); err != nil {
			return nil, fmt.Errorf("failed to create %s fulfillment: %w", f.Status, err)
		}
		s.fulfillments = append(s.fulfillments, *f)
	}
	return prepared, nil
}

// targetFulfillment merges the moves of t into one line per order line and
// stock row.
func targetFulfillment(orderID uuid.UUID, t target) *models.Fulfillment {
	f := &models.Fulfillment{
		OrderID:              orderID,
		Status:               t.status,
		TotalRefundAmount:    t.total,
		ShippingRefundAmount: t.shipping,
	}
	index := map[targetLineKey]int{}
	for _, m := range t.moves {
		key := targetLineKey{orderLineID: m.line.ID}
		var stockID *uuid.UUID
		if m.source != nil && m.source.StockID != nil {
			id := *m.source.StockID
			stockID = &id
			key.stockID = id
		}
		if at, ok := index[key]; ok {
			f.Lines[at].Quantity += m.quantity
			continue
		}
		index[key] = len(f.Lines)
		f.Lines = append(f.Lines, models.FulfillmentLine{OrderLineID: m.line.ID, StockID: stockID, Quantity: m.quantity})
	}
	return f
}

// persistSources writes back reduced fulfillment lines, deleting emptied
// lines and fulfillments.
func persistSources(ctx context.Context, tx store.Tx, s *snapshot, touched map[uuid.UUID]struct{}) error {
	if len(touched) == 0 {
		return nil
	}
	var updated []models.FulfillmentLine
	var deletedLines, deletedFulfillments []uuid.UUID
	kept := s.fulfillments[:0]
	for _, f := range s.fulfillments {
		if _, ok := touched[f.ID]; !ok {
			kept = append(kept, f)
			continue
		}
		remaining := f.Lines[:0]
		for _, fl := range f.Lines {
			if fl.Quantity <= 0 {
				deletedLines = append(deletedLines, fl.ID)
				continue
			}
			updated = append(updated, fl)
			remaining = append(remaining, fl)
		}
		if len(remaining) == 0 {
			deletedFulfillments = append(deletedFulfillments, f.ID)
			continue
		}
		f.Lines = remaining
		kept = append(kept, f)
	}
	s.fulfillments = kept

	if len(updated) > 0 {
		if err := tx.UpdateFulfillmentLines(ctx, updated); err != nil {
			return fmt.Errorf("failed to update fulfillment lines: %w", err)
		}
	}
	if len(deletedLines) > 0 {
		if err := tx.DeleteFulfillmentLines(ctx, deletedLines); err != nil {
			return fmt.Errorf("failed to delete fulfillment lines: %w", err)
		}
	}
	if len(deletedFulfillments) > 0 {
		if err := tx.DeleteFulfillments(ctx, deletedFulfillments); err != nil {
			return fmt.Errorf("failed to delete fulfillments: %w", err)
		}
	}
	return nil
}

// releaseAllocations frees stock reserved for quantity that leaves the
// order without being shipped.
func releaseAllocations(ctx context.Context, tx store.Tx, released map[uuid.UUID]int) error {
	if len(released) == 0 {
		return nil
	}
	lineIDs := make([]uuid.UUID, 0, len(released))
	for id := range released {
		lineIDs = append(lineIDs, id)
	}
	allocations, err := tx.ListAllocations(ctx, store.SortIDs(lineIDs))
	if err != nil {
		return fmt.Errorf("failed to list allocations: %w", err)
	}
	if len(allocations) == 0 {
		return nil
	}

	stockIDs := make([]uuid.UUID, 0, len(allocations))
	for _, a := range allocations {
		stockIDs = append(stockIDs, a.StockID)
	}
	stocks, err := tx.LockStocksByID(ctx, store.UniqueIDs(stockIDs))
	if err != nil {
		return fmt.Errorf("failed to lock stocks: %w", err)
	}
	byID := make(map[uuid.UUID]*models.Stock, len(stocks))
	for i := range stocks {
		byID[stocks[i].ID] = &stocks[i]
	}

	var keep []models.Allocation
	var drop []uuid.UUID
	for _, a := range allocations {
		take := min(a.QuantityAllocated, released[a.OrderLineID])
		if take <= 0 {
			continue
		}
		released[a.OrderLineID] -= take
		a.QuantityAllocated -= take
		if st, ok := byID[a.StockID]; ok {
			st.QuantityAllocated = max(st.QuantityAllocated-take, 0)
		}
		if a.QuantityAllocated == 0 {
			drop = append(drop, a.ID)
		} else {
			keep = append(keep, a)
		}
	}

	store.SortStocks(stocks)
	if err := tx.UpdateStocks(ctx, stocks); err != nil {
		return fmt.Errorf("failed to update stocks: %w", err)
	}
	if len(keep) > 0 {
		if err := tx.SaveAllocations(ctx, keep); err != nil {
			return fmt.Errorf("failed to save allocations: %w", err)
		}
	}
	if len(drop) > 0 {
		if err := tx.DeleteAllocations(ctx, drop); err != nil {
			return fmt.Errorf("failed to delete allocations: %w", err)
		}
	}
	return nil
}
