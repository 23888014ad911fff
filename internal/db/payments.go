package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
)

func (t *Tx) ListPayments(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, gateway, token, is_active, currency,
			captured_amount, authorized_amount, refunded_amount
		FROM payments
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Payment, error) {
		var p models.Payment
		var currency string
		var captured, authorized, refunded decimal.Decimal
		if err := row.Scan(&p.ID, &p.OrderID, &p.Gateway, &p.Token, &p.IsActive, &currency,
			&captured, &authorized, &refunded); err != nil {
			return p, err
		}
		p.Captured = money.New(captured, currency)
		p.Authorized = money.New(authorized, currency)
		p.Refunded = money.New(refunded, currency)
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

func (t *Tx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments SET
			is_active = $2, captured_amount = $3, authorized_amount = $4, refunded_amount = $5
		WHERE id = $1`,
		p.ID, p.IsActive, p.Captured.Amount, p.Authorized.Amount, p.Refunded.Amount,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return expectRows("payment", p.ID, tag.RowsAffected())
}

// CreatePayment records a payment captured by checkout. Checkout owns
// payments; this exists for bootstrapping and tests.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	p.ID = newID(p.ID)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, gateway, token, is_active, currency,
			captured_amount, authorized_amount, refunded_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.OrderID, p.Gateway, p.Token, p.IsActive, p.Captured.Currency,
		p.Captured.Amount, p.Authorized.Amount, p.Refunded.Amount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *Tx) ListGrantedRefunds(ctx context.Context, orderID uuid.UUID) ([]models.GrantedRefund, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, amount, currency, reason, shipping_costs_included, status, created_at
		FROM granted_refunds
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list granted refunds: %w", err)
	}
	grants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.GrantedRefund, error) {
		var g models.GrantedRefund
		err := row.Scan(&g.ID, &g.OrderID, &g.Amount, &g.Currency, &g.Reason, &g.ShippingCostsIncluded, &g.Status, &g.CreatedAt)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list granted refunds: %w", err)
	}
	if len(grants) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(grants))
	index := make(map[uuid.UUID]int, len(grants))
	for i, g := range grants {
		ids[i] = g.ID
		index[g.ID] = i
	}
	rows, err = t.tx.Query(ctx, `
		SELECT granted_refund_id, id, order_line_id, quantity, reason
		FROM granted_refund_lines
		WHERE granted_refund_id = ANY($1)
		ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list granted refund lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var grantID uuid.UUID
		var line models.GrantedRefundLine
		if err := rows.Scan(&grantID, &line.ID, &line.OrderLineID, &line.Quantity, &line.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan granted refund line: %w", err)
		}
		g := &grants[index[grantID]]
		g.Lines = append(g.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list granted refund lines: %w", err)
	}
	return grants, nil
}

func (t *Tx) CreateGrantedRefund(ctx context.Context, g *models.GrantedRefund) error {
	g.ID = newID(g.ID)
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO granted_refunds (id, order_id, amount, currency, reason, shipping_costs_included, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.OrderID, g.Amount, g.Currency, g.Reason, g.ShippingCostsIncluded, g.Status, g.CreatedAt,
	)
	for i := range g.Lines {
		line := &g.Lines[i]
		line.ID = newID(line.ID)
		batch.Queue(`
			INSERT INTO granted_refund_lines (id, granted_refund_id, order_line_id, quantity, reason)
			VALUES ($1, $2, $3, $4, $5)`,
			line.ID, g.ID, line.OrderLineID, line.Quantity, line.Reason,
		)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert granted refund: %w", err)
	}
	return nil
}

func (t *Tx) UpdateGrantedRefundStatus(ctx context.Context, id uuid.UUID, status models.GrantedRefundStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE granted_refunds SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update granted refund: %w", err)
	}
	return expectRows("granted refund", id, tag.RowsAffected())
}

func (t *Tx) GrantedRefundTotals(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	out := make(map[uuid.UUID]decimal.Decimal, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT order_id, sum(amount)
		FROM granted_refunds
		WHERE order_id = ANY($1)
		GROUP BY order_id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to sum granted refunds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var total decimal.Decimal
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("failed to scan granted refund total: %w", err)
		}
		out[id] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to sum granted refunds: %w", err)
	}
	return out, nil
}
