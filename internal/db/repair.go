package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// Repair scans lock with SKIP LOCKED so a sweep never waits behind live
// traffic; skipped rows are picked up by the next run.

// LockDriftedLines compares totals against unit price times quantity rounded
// to the order currency's minor unit, matching what the fixer writes.
func (t *Tx) LockDriftedLines(ctx context.Context, page store.Page) ([]models.OrderLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+lineColumns+`
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		CROSS JOIN LATERAL (
			SELECT CASE
				WHEN o.currency = ANY($3) THEN 0
				WHEN o.currency = ANY($4) THEN 3
				ELSE 2
			END AS digits
		) s
		WHERE l.id > $1 AND (
			l.total_price_net_amount <> round(l.unit_price_net_amount * l.quantity, s.digits)
			OR l.total_price_gross_amount <> round(l.unit_price_gross_amount * l.quantity, s.digits)
			OR l.undiscounted_total_price_net_amount <> round(l.undiscounted_unit_price_net_amount * l.quantity, s.digits)
			OR l.undiscounted_total_price_gross_amount <> round(l.undiscounted_unit_price_gross_amount * l.quantity, s.digits)
		)
		ORDER BY l.id
		LIMIT $2
		FOR UPDATE OF l SKIP LOCKED`,
		page.AfterID, limitOrAll(page.Limit),
		money.CurrenciesWithPrecision(0), money.CurrenciesWithPrecision(3))
	if err != nil {
		return nil, fmt.Errorf("failed to scan drifted lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return nil, fmt.Errorf("failed to scan drifted lines: %w", err)
	}
	return lines, nil
}

func (t *Tx) LockOrdersWithVoucherLines(ctx context.Context, page store.Page) ([]models.Order, error) {
	return t.lockOrders(ctx, "orders with voucher lines", `
		WHERE o.id > $1 AND EXISTS (
			SELECT 1 FROM order_lines l WHERE l.order_id = o.id AND l.voucher_code <> ''
		)
		ORDER BY o.id
		LIMIT $2`, page.AfterID, limitOrAll(page.Limit))
}

func (t *Tx) LockOrdersWithGrantedRefunds(ctx context.Context, page store.Page) ([]models.Order, error) {
	return t.lockOrders(ctx, "orders with granted refunds", `
		WHERE o.id > $1 AND EXISTS (
			SELECT 1 FROM granted_refunds g WHERE g.order_id = o.id
		)
		ORDER BY o.id
		LIMIT $2`, page.AfterID, limitOrAll(page.Limit))
}

func (t *Tx) LockExpirableOrders(ctx context.Context, channelID uuid.UUID, cutoff time.Time, limit int) ([]models.Order, error) {
	return t.lockOrders(ctx, "expirable orders", `
		WHERE o.channel_id = $1 AND o.status = $2 AND o.created_at < $3
			AND NOT EXISTS (
				SELECT 1 FROM payments p
				WHERE p.order_id = o.id AND p.is_active
					AND (p.captured_amount > 0 OR p.authorized_amount > 0)
			)
		ORDER BY o.id
		LIMIT $4`, channelID, models.StatusUnconfirmed, cutoff, limitOrAll(limit))
}

func (t *Tx) LockExpiredOrders(ctx context.Context, channelID uuid.UUID, cutoff time.Time, limit int) ([]models.Order, error) {
	return t.lockOrders(ctx, "expired orders", `
		WHERE o.channel_id = $1 AND o.status = $2 AND o.expired_at < $3
		ORDER BY o.id
		LIMIT $4`, channelID, models.StatusExpired, cutoff, limitOrAll(limit))
}

func (t *Tx) LockOrdersByNumber(ctx context.Context, from, to int64) ([]models.Order, error) {
	return t.lockOrders(ctx, "orders by number", `
		WHERE o.number >= $1 AND o.number < $2
		ORDER BY o.number`, from, to)
}

func (t *Tx) MaxOrderNumber(ctx context.Context) (int64, error) {
	var highest int64
	if err := t.tx.QueryRow(ctx, `SELECT coalesce(max(number), 0) FROM orders`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("failed to read max order number: %w", err)
	}
	return highest, nil
}

func (t *Tx) LockDraftOrdersWithDuplicateGifts(ctx context.Context, page store.Page) ([]models.Order, error) {
	return t.lockOrders(ctx, "drafts with duplicate gifts", `
		WHERE o.status = $1 AND (o.created_at, o.id) > ($2, $3)
			AND (SELECT count(*) FROM order_lines l WHERE l.order_id = o.id AND l.is_gift) > 1
		ORDER BY o.created_at, o.id
		LIMIT $4`, models.StatusDraft, page.AfterTime, page.AfterID, limitOrAll(page.Limit))
}

func (t *Tx) lockOrders(ctx context.Context, what, where string, args ...any) ([]models.Order, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+orderColumns+` FROM orders o `+where+` FOR UPDATE OF o SKIP LOCKED`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", what, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", what, err)
	}
	return orders, nil
}

// limitOrAll maps a non-positive limit to no limit; LIMIT NULL returns every
// row.
func limitOrAll(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
