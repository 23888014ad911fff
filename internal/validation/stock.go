package validation

import (
	"fmt"

	"github.com/google/uuid"
)

type InsufficientStockItem struct {
	OrderLineID uuid.UUID
	WarehouseID uuid.UUID
	Available   int
}

// InsufficientStockError lists every (line, warehouse) pair that could not be
// covered. The whole operation is rejected when it is returned.
type InsufficientStockError struct {
	Items []InsufficientStockItem
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %d item(s)", len(e.Items))
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Errors converts the shortfall into per-line, per-warehouse items.
func (e *InsufficientStockError) Errors() Errors {
	out := make(Errors, 0, len(e.Items))
	for _, item := range e.Items {
		out = append(out, Error{
			Field:        "stocks",
			Code:         CodeInsufficientStock,
			Message:      fmt.Sprintf("insufficient product stock, %d available", item.Available),
			OrderLineIDs: []uuid.UUID{item.OrderLineID},
			WarehouseIDs: []uuid.UUID{item.WarehouseID},
		})
	}
	return out
}
