package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gitshopapp/fulfillment/internal/models"
)

func (t *Tx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	order, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

func (t *Tx) CreateOrder(ctx context.Context, order *models.Order) error {
	order.ID = newID(order.ID)
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (
			id, channel_id, status, origin, original_id, currency,
			total_net_amount, total_gross_amount,
			undiscounted_total_net_amount, undiscounted_total_gross_amount,
			subtotal_net_amount, subtotal_gross_amount,
			shipping_price_net_amount, shipping_price_gross_amount,
			undiscounted_shipping_price_net_amount, undiscounted_shipping_price_gross_amount,
			total_charged_amount, total_authorized_amount,
			charge_status, authorize_status, should_refresh_prices,
			expired_at, voucher_code, user_email, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		RETURNING number`,
		orderArgs(*order)...,
	).Scan(&order.Number)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

const updateOrderSQL = `
	UPDATE orders SET
		status = $2, origin = $3, original_id = $4, currency = $5,
		total_net_amount = $6, total_gross_amount = $7,
		undiscounted_total_net_amount = $8, undiscounted_total_gross_amount = $9,
		subtotal_net_amount = $10, subtotal_gross_amount = $11,
		shipping_price_net_amount = $12, shipping_price_gross_amount = $13,
		undiscounted_shipping_price_net_amount = $14, undiscounted_shipping_price_gross_amount = $15,
		total_charged_amount = $16, total_authorized_amount = $17,
		charge_status = $18, authorize_status = $19, should_refresh_prices = $20,
		expired_at = $21, voucher_code = $22, user_email = $23, updated_at = now()
	WHERE id = $1`

func (t *Tx) UpdateOrders(ctx context.Context, orders []models.Order) error {
	batch := &pgx.Batch{}
	for _, o := range orders {
		batch.Queue(updateOrderSQL,
			o.ID, o.Status, o.Origin, o.OriginalID, o.Currency,
			o.Total.Net.Amount, o.Total.Gross.Amount,
			o.UndiscountedTotal.Net.Amount, o.UndiscountedTotal.Gross.Amount,
			o.Subtotal.Net.Amount, o.Subtotal.Gross.Amount,
			o.ShippingPrice.Net.Amount, o.ShippingPrice.Gross.Amount,
			o.UndiscountedShippingPrice.Net.Amount, o.UndiscountedShippingPrice.Gross.Amount,
			o.TotalCharged.Amount, o.TotalAuthorized.Amount,
			o.ChargeStatus, o.AuthorizeStatus, o.ShouldRefreshPrices,
			o.ExpiredAt, o.VoucherCode, o.UserEmail,
		)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to update orders: %w", err)
	}
	return nil
}

// DeleteOrders relies on ON DELETE CASCADE for everything the orders own.
func (t *Tx) DeleteOrders(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	return nil
}

const channelColumns = `id, slug, currency, fulfillment_auto_approve, fulfillment_allow_unpaid,
	allow_stock_to_be_exceeded, expire_orders_after_seconds, delete_expired_orders_after_seconds,
	preorder_thresholds`

func scanChannel(row pgx.CollectableRow) (models.Channel, error) {
	var c models.Channel
	var expireAfter, deleteAfter int64
	err := row.Scan(
		&c.ID, &c.Slug, &c.Currency, &c.FulfillmentAutoApprove, &c.FulfillmentAllowUnpaid,
		&c.AllowStockToBeExceeded, &expireAfter, &deleteAfter, &c.PreorderThresholds,
	)
	c.ExpireOrdersAfter = time.Duration(expireAfter) * time.Second
	c.DeleteExpiredOrdersAfter = time.Duration(deleteAfter) * time.Second
	return c, err
}

func (t *Tx) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	channel, err := pgx.CollectExactlyOneRow(rows, scanChannel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("channel", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &channel, nil
}

func (t *Tx) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	channels, err := pgx.CollectRows(rows, scanChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return channels, nil
}

// CreateChannel seeds a channel. Channels are owned by the catalog service;
// this exists for bootstrapping and tests.
func (s *Store) CreateChannel(ctx context.Context, c *models.Channel) error {
	c.ID = newID(c.ID)
	thresholds := c.PreorderThresholds
	if thresholds == nil {
		thresholds = map[uuid.UUID]int{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Slug, c.Currency, c.FulfillmentAutoApprove, c.FulfillmentAllowUnpaid,
		c.AllowStockToBeExceeded, seconds(c.ExpireOrdersAfter), seconds(c.DeleteExpiredOrdersAfter), thresholds,
	)
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

func (t *Tx) LockOrderLines(ctx context.Context, orderID uuid.UUID) ([]models.OrderLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+lineColumns+`
		FROM order_lines l JOIN orders o ON o.id = l.order_id
		WHERE l.order_id = $1
		ORDER BY l.created_at, l.id
		FOR UPDATE OF l`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	return lines, nil
}

func (t *Tx) LinesForOrders(ctx context.Context, orderIDs []uuid.UUID) ([]models.OrderLine, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+lineColumns+`
		FROM order_lines l JOIN orders o ON o.id = l.order_id
		WHERE l.order_id = ANY($1)
		ORDER BY l.created_at, l.id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load order lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return nil, fmt.Errorf("failed to load order lines: %w", err)
	}
	return lines, nil
}

const insertLineSQL = `
	INSERT INTO order_lines (
		id, order_id, variant_id, product_name, variant_name, product_sku,
		quantity, quantity_fulfilled,
		unit_price_net_amount, unit_price_gross_amount,
		undiscounted_unit_price_net_amount, undiscounted_unit_price_gross_amount,
		total_price_net_amount, total_price_gross_amount,
		undiscounted_total_price_net_amount, undiscounted_total_price_gross_amount,
		unit_discount_amount, unit_discount_reason, voucher_code,
		is_shipping_required, is_gift_card, is_gift, is_preorder, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24)`

func (t *Tx) CreateOrderLines(ctx context.Context, lines []models.OrderLine) error {
	batch := &pgx.Batch{}
	for i := range lines {
		lines[i].ID = newID(lines[i].ID)
		if lines[i].CreatedAt.IsZero() {
			lines[i].CreatedAt = time.Now().UTC()
		}
		batch.Queue(insertLineSQL, lineArgs(lines[i])...)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert order lines: %w", err)
	}
	return nil
}

const updateLineSQL = `
	UPDATE order_lines SET
		variant_id = $3, product_name = $4, variant_name = $5, product_sku = $6,
		quantity = $7, quantity_fulfilled = $8,
		unit_price_net_amount = $9, unit_price_gross_amount = $10,
		undiscounted_unit_price_net_amount = $11, undiscounted_unit_price_gross_amount = $12,
		total_price_net_amount = $13, total_price_gross_amount = $14,
		undiscounted_total_price_net_amount = $15, undiscounted_total_price_gross_amount = $16,
		unit_discount_amount = $17, unit_discount_reason = $18, voucher_code = $19,
		is_shipping_required = $20, is_gift_card = $21, is_gift = $22, is_preorder = $23,
		created_at = $24
	WHERE id = $1 AND order_id = $2`

func (t *Tx) UpdateOrderLines(ctx context.Context, lines []models.OrderLine) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(updateLineSQL, lineArgs(l)...)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to update order lines: %w", err)
	}
	return nil
}

func (t *Tx) DeleteOrderLines(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM order_lines WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete order lines: %w", err)
	}
	return nil
}

func (t *Tx) AddEvents(ctx context.Context, events ...models.OrderEvent) error {
	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		e.ID = newID(e.ID)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		params := e.Parameters
		if params == nil {
			params = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO order_events (id, order_id, type, parameters, user_id, app_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.OrderID, e.Type, params, e.UserID, e.AppID, e.CreatedAt,
		)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert order events: %w", err)
	}
	return nil
}

func (t *Tx) ListEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, type, parameters, user_id, app_id, created_at
		FROM order_events WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OrderEvent, error) {
		var e models.OrderEvent
		err := row.Scan(&e.ID, &e.OrderID, &e.Type, &e.Parameters, &e.UserID, &e.AppID, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	return events, nil
}

func (t *Tx) LockVoucherCodes(ctx context.Context, codes []string) ([]models.VoucherCode, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT code, used FROM voucher_codes
		WHERE code = ANY($1)
		ORDER BY code
		FOR UPDATE`, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to lock voucher codes: %w", err)
	}
	vouchers, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.VoucherCode])
	if err != nil {
		return nil, fmt.Errorf("failed to lock voucher codes: %w", err)
	}
	return vouchers, nil
}

func (t *Tx) UpdateVoucherCodes(ctx context.Context, codes []models.VoucherCode) error {
	batch := &pgx.Batch{}
	for _, v := range codes {
		batch.Queue(`UPDATE voucher_codes SET used = $2 WHERE code = $1`, v.Code, v.Used)
	}
	if err := t.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to update voucher codes: %w", err)
	}
	return nil
}
