package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
)

const stockColumns = `id, variant_id, warehouse_id, quantity, quantity_allocated`

// LockStocks locks in id order so concurrent fulfillments cannot deadlock on
// shared stock rows.
func (t *Tx) LockStocks(ctx context.Context, keys []store.StockKey) ([]models.Stock, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	variants := make([]uuid.UUID, len(keys))
	warehouses := make([]uuid.UUID, len(keys))
	for i, k := range keys {
		variants[i] = k.VariantID
		warehouses[i] = k.WarehouseID
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+stockColumns+` FROM stocks
		WHERE (variant_id, warehouse_id) IN (
			SELECT * FROM unnest($1::uuid[], $2::uuid[])
		)
		ORDER BY id
		FOR UPDATE`, variants, warehouses)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stocks: %w", err)
	}
	return collectStocks(rows)
}

func (t *Tx) LockStocksByID(ctx context.Context, ids []uuid.UUID) ([]models.Stock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+stockColumns+` FROM stocks
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stocks: %w", err)
	}
	return collectStocks(rows)
}

func collectStocks(rows pgx.Rows) ([]models.Stock, error) {
	stocks, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.Stock])
	if err != nil {
		return nil, fmt.Errorf("failed to lock stocks: %w", err)
	}
	return stocks, nil
}

func (t *Tx) CreateStock(ctx context.Context, s *models.Stock) error {
	s.ID = newID(s.ID)
	_, err := t.tx.Exec(ctx, `INSERT INTO stocks (`+stockColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.VariantID, s.WarehouseID, s.Quantity, s.QuantityAllocated)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("stock for variant %s in warehouse %s already exists", s.VariantID, s.WarehouseID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert stock: %w", err)
	}
	return nil
}

func (t *Tx) UpdateStocks(ctx context.Context, stocks []models.Stock) error {
	for _, s := range stocks {
		tag, err := t.tx.Exec(ctx, `UPDATE stocks SET quantity = $2, quantity_allocated = $3 WHERE id = $1`,
			s.ID, s.Quantity, s.QuantityAllocated)
		if err != nil {
			return fmt.Errorf("failed to update stock: %w", err)
		}
		if err := expectRows("stock", s.ID, tag.RowsAffected()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) ListAllocations(ctx context.Context, orderLineIDs []uuid.UUID) ([]models.Allocation, error) {
	if len(orderLineIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_line_id, stock_id, quantity_allocated
		FROM allocations
		WHERE order_line_id = ANY($1)
		ORDER BY id`, orderLineIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	allocations, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.Allocation])
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return allocations, nil
}

func (t *Tx) SaveAllocations(ctx context.Context, allocations []models.Allocation) error {
	batch := &pgx.Batch{}
	for i := range allocations {
		a := &allocations[i]
		if a.ID == uuid.Nil {
			a.ID = newID(a.ID)
			batch.Queue(`
				INSERT INTO allocations (id, order_line_id, stock_id, quantity_allocated)
				VALUES ($1, $2, $3, $4)`,
				a.ID, a.OrderLineID, a.StockID, a.QuantityAllocated)
			continue
		}
		batch.Queue(`UPDATE allocations SET stock_id = $2, quantity_allocated = $3 WHERE id = $1`,
			a.ID, a.StockID, a.QuantityAllocated)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to save allocations: %w", err)
	}
	return nil
}

func (t *Tx) DeleteAllocations(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM allocations WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete allocations: %w", err)
	}
	return nil
}
