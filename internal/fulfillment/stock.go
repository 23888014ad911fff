package fulfillment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

// demand is a quantity of one order line shipped from one warehouse.
type demand struct {
	line        *models.OrderLine
	warehouseID uuid.UUID
	quantity    int
}

func (d demand) key() (store.StockKey, bool) {
	if d.line.VariantID == nil {
		return store.StockKey{}, false
	}
	return store.StockKey{VariantID: *d.line.VariantID, WarehouseID: d.warehouseID}, true
}

// resolveStocks locks the stock rows behind demands. Missing rows are created
// empty when exceeding stock is allowed and reported as shortages otherwise.
// Lines without a variant carry no stock.
func resolveStocks(ctx context.Context, tx store.Tx, demands []demand, allowExceed bool) (map[store.StockKey]*models.Stock, []validation.InsufficientStockItem, error) {
	keys := make([]store.StockKey, 0, len(demands))
	seen := map[store.StockKey]struct{}{}
	for _, d := range demands {
		k, ok := d.key()
		if !ok {
			continue
		}
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return map[store.StockKey]*models.Stock{}, nil, nil
	}

	locked, err := tx.LockStocks(ctx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock stocks: %w", err)
	}
	byKey := make(map[store.StockKey]*models.Stock, len(locked))
	for i := range locked {
		s := &locked[i]
		byKey[store.StockKey{VariantID: s.VariantID, WarehouseID: s.WarehouseID}] = s
	}

	var missing []validation.InsufficientStockItem
	for _, d := range demands {
		k, ok := d.key()
		if !ok {
			continue
		}
		if _, found := byKey[k]; found {
			continue
		}
		if !allowExceed {
			missing = append(missing, validation.InsufficientStockItem{OrderLineID: d.line.ID, WarehouseID: d.warehouseID})
			continue
		}
		created := &models.Stock{VariantID: k.VariantID, WarehouseID: k.WarehouseID}
		if err := tx.CreateStock(ctx, created); err != nil {
			return nil, nil, fmt.Errorf("failed to create stock: %w", err)
		}
		byKey[k] = created
	}
	return byKey, missing, nil
}

// deductStocks validates every demand against available stock and, when all
// pass or exceeding is allowed, decrements stock and consumes the line's own
// allocation. Available quantity counts the line's allocation on that stock as
// its own. Nothing is written when any demand falls short.
func deductStocks(ctx context.Context, tx store.Tx, demands []demand, allowExceed bool) (map[demandKey]uuid.UUID, error) {
	stocks, shortages, err := resolveStocks(ctx, tx, demands, allowExceed)
	if err != nil {
		return nil, err
	}

	lineIDs := make([]uuid.UUID, 0, len(demands))
	for _, d := range demands {
		lineIDs = append(lineIDs, d.line.ID)
	}
	allocations, err := tx.ListAllocations(ctx, store.UniqueIDs(lineIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	type allocKey struct{ lineID, stockID uuid.UUID }
	allocByKey := make(map[allocKey]*models.Allocation, len(allocations))
	for i := range allocations {
		a := &allocations[i]
		allocByKey[allocKey{a.OrderLineID, a.StockID}] = a
	}

	assigned := make(map[demandKey]uuid.UUID, len(demands))
	touched := map[uuid.UUID]*models.Stock{}
	touchedAllocs := map[uuid.UUID]*models.Allocation{}
	for _, d := range demands {
		k, ok := d.key()
		if !ok {
			continue
		}
		stock, found := stocks[k]
		if !found {
			continue
		}
		assigned[demandKey{d.line.ID, d.warehouseID}] = stock.ID

		alloc := allocByKey[allocKey{d.line.ID, stock.ID}]
		own := 0
		if alloc != nil {
			own = alloc.QuantityAllocated
		}
		available := stock.Quantity - stock.QuantityAllocated + own
		if d.quantity > available && !allowExceed {
			shortages = append(shortages, validation.InsufficientStockItem{
				OrderLineID: d.line.ID,
				WarehouseID: d.warehouseID,
				Available:   max(available, 0),
			})
			continue
		}

		consumed := min(own, d.quantity)
		stock.Quantity -= d.quantity
		if !allowExceed {
			stock.Quantity = max(stock.Quantity, 0)
		}
		stock.QuantityAllocated = max(stock.QuantityAllocated-consumed, 0)
		touched[stock.ID] = stock
		if alloc != nil && consumed > 0 {
			alloc.QuantityAllocated -= consumed
			touchedAllocs[alloc.ID] = alloc
		}
	}
	if len(shortages) > 0 {
		return nil, &validation.InsufficientStockError{Items: shortages}
	}

	if err := saveStocks(ctx, tx, touched); err != nil {
		return nil, err
	}
	var keep []models.Allocation
	var drop []uuid.UUID
	for _, a := range touchedAllocs {
		if a.QuantityAllocated <= 0 {
			drop = append(drop, a.ID)
			continue
		}
		keep = append(keep, *a)
	}
	if len(drop) > 0 {
		if err := tx.DeleteAllocations(ctx, drop); err != nil {
			return nil, fmt.Errorf("failed to delete allocations: %w", err)
		}
	}
	if len(keep) > 0 {
		if err := tx.SaveAllocations(ctx, keep); err != nil {
			return nil, fmt.Errorf("failed to save allocations: %w", err)
		}
	}
	return assigned, nil
}

// restock returns quantities to the target warehouse, creating stock rows as
// needed.
func restock(ctx context.Context, tx store.Tx, demands []demand) (int, error) {
	stocks, _, err := resolveStocks(ctx, tx, demands, true)
	if err != nil {
		return 0, err
	}
	touched := map[uuid.UUID]*models.Stock{}
	total := 0
	for _, d := range demands {
		k, ok := d.key()
		if !ok {
			continue
		}
		stock := stocks[k]
		stock.Quantity += d.quantity
		touched[stock.ID] = stock
		total += d.quantity
	}
	return total, saveStocks(ctx, tx, touched)
}

func saveStocks(ctx context.Context, tx store.Tx, touched map[uuid.UUID]*models.Stock) error {
	if len(touched) == 0 {
		return nil
	}
	out := make([]models.Stock, 0, len(touched))
	for _, s := range touched {
		out = append(out, *s)
	}
	store.SortStocks(out)
	if err := tx.UpdateStocks(ctx, out); err != nil {
		return fmt.Errorf("failed to update stocks: %w", err)
	}
	return nil
}

type demandKey struct {
	lineID      uuid.UUID
	warehouseID uuid.UUID
}
