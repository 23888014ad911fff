package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

func (t *Tx) FulfillmentOrderID(ctx context.Context, fulfillmentID uuid.UUID) (uuid.UUID, error) {
	var orderID uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT order_id FROM fulfillments WHERE id = $1`, fulfillmentID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, notFound("fulfillment", fulfillmentID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve fulfillment order: %w", err)
	}
	return orderID, nil
}

func (t *Tx) LockFulfillments(ctx context.Context, orderID uuid.UUID) ([]models.Fulfillment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, fulfillment_order, status, tracking_number,
			shipping_refund_amount, total_refund_amount, created_at
		FROM fulfillments
		WHERE order_id = $1
		ORDER BY fulfillment_order
		FOR UPDATE`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock fulfillments: %w", err)
	}
	fulfillments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Fulfillment, error) {
		var f models.Fulfillment
		var shipping, total decimal.NullDecimal
		err := row.Scan(&f.ID, &f.OrderID, &f.FulfillmentOrder, &f.Status, &f.TrackingNumber, &shipping, &total, &f.CreatedAt)
		f.ShippingRefundAmount = fromNullDecimal(shipping)
		f.TotalRefundAmount = fromNullDecimal(total)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock fulfillments: %w", err)
	}
	if len(fulfillments) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(fulfillments))
	index := make(map[uuid.UUID]int, len(fulfillments))
	for i, f := range fulfillments {
		ids[i] = f.ID
		index[f.ID] = i
	}
	rows, err = t.tx.Query(ctx, `
		SELECT id, fulfillment_id, order_line_id, stock_id, quantity
		FROM fulfillment_lines
		WHERE fulfillment_id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock fulfillment lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.FulfillmentLine])
	if err != nil {
		return nil, fmt.Errorf("failed to lock fulfillment lines: %w", err)
	}
	for _, line := range lines {
		f := &fulfillments[index[line.FulfillmentID]]
		f.Lines = append(f.Lines, line)
	}
	return fulfillments, nil
}

func (t *Tx) CreateFulfillment(ctx context.Context, f *models.Fulfillment) error {
	f.ID = newID(f.ID)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO fulfillments (id, order_id, fulfillment_order, status, tracking_number,
			shipping_refund_amount, total_refund_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.OrderID, f.FulfillmentOrder, f.Status, f.TrackingNumber,
		nullDecimal(f.ShippingRefundAmount), nullDecimal(f.TotalRefundAmount), f.CreatedAt,
	)
	for i := range f.Lines {
		line := &f.Lines[i]
		line.ID = newID(line.ID)
		line.FulfillmentID = f.ID
		batch.Queue(insertFulfillmentLineSQL, line.ID, line.FulfillmentID, line.OrderLineID, line.StockID, line.Quantity)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert fulfillment: %w", err)
	}
	return nil
}

const insertFulfillmentLineSQL = `
	INSERT INTO fulfillment_lines (id, fulfillment_id, order_line_id, stock_id, quantity)
	VALUES ($1, $2, $3, $4, $5)`

// UpdateFulfillment writes the mutable fulfillment fields. Lines are changed
// through UpdateFulfillmentLines and DeleteFulfillmentLines.
func (t *Tx) UpdateFulfillment(ctx context.Context, f *models.Fulfillment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE fulfillments SET
			status = $2, tracking_number = $3, shipping_refund_amount = $4, total_refund_amount = $5
		WHERE id = $1`,
		f.ID, f.Status, f.TrackingNumber, nullDecimal(f.ShippingRefundAmount), nullDecimal(f.TotalRefundAmount),
	)
	if err != nil {
		return fmt.Errorf("failed to update fulfillment: %w", err)
	}
	return expectRows("fulfillment", f.ID, tag.RowsAffected())
}

func (t *Tx) DeleteFulfillments(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM fulfillments WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete fulfillments: %w", err)
	}
	return nil
}

func (t *Tx) UpdateFulfillmentLines(ctx context.Context, lines []models.FulfillmentLine) error {
	for _, line := range lines {
		tag, err := t.tx.Exec(ctx, `
			UPDATE fulfillment_lines SET order_line_id = $3, stock_id = $4, quantity = $5
			WHERE id = $1 AND fulfillment_id = $2`,
			line.ID, line.FulfillmentID, line.OrderLineID, line.StockID, line.Quantity,
		)
		if err != nil {
			return fmt.Errorf("failed to update fulfillment line: %w", err)
		}
		if err := expectRows("fulfillment line", line.ID, tag.RowsAffected()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) DeleteFulfillmentLines(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM fulfillment_lines WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete fulfillment lines: %w", err)
	}
	return nil
}

func (t *Tx) ListGiftCards(ctx context.Context, fulfillmentLineIDs []uuid.UUID) ([]models.GiftCard, error) {
	if len(fulfillmentLineIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, code, fulfillment_line_id, initial_balance_amount, currency, created_by_email, created_at
		FROM gift_cards
		WHERE fulfillment_line_id = ANY($1)
		ORDER BY code`, fulfillmentLineIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list gift cards: %w", err)
	}
	cards, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.GiftCard])
	if err != nil {
		return nil, fmt.Errorf("failed to list gift cards: %w", err)
	}
	return cards, nil
}

func (t *Tx) CreateGiftCards(ctx context.Context, cards []models.GiftCard) error {
	rows := make([][]any, len(cards))
	for i := range cards {
		c := &cards[i]
		c.ID = newID(c.ID)
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{c.ID, c.Code, c.FulfillmentLineID, c.InitialBalance, c.Currency, c.CreatedByEmail, c.CreatedAt}
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"gift_cards"},
		[]string{"id", "code", "fulfillment_line_id", "initial_balance_amount", "currency", "created_by_email", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert gift cards: %w", err)
	}
	return nil
}
