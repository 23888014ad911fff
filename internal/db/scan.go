package db

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
)

// taxedCols reads a net/gross column pair.
type taxedCols struct {
	net, gross decimal.Decimal
}

func (c *taxedCols) dest() (*decimal.Decimal, *decimal.Decimal) {
	return &c.net, &c.gross
}

func (c taxedCols) money(currency string) money.TaxedMoney {
	return money.NewTaxed(c.net, c.gross, currency)
}

const orderColumns = `o.id, o.number, o.channel_id, o.status, o.origin, o.original_id, o.currency,
	o.total_net_amount, o.total_gross_amount,
	o.undiscounted_total_net_amount, o.undiscounted_total_gross_amount,
	o.subtotal_net_amount, o.subtotal_gross_amount,
	o.shipping_price_net_amount, o.shipping_price_gross_amount,
	o.undiscounted_shipping_price_net_amount, o.undiscounted_shipping_price_gross_amount,
	o.total_charged_amount, o.total_authorized_amount,
	o.charge_status, o.authorize_status, o.should_refresh_prices,
	o.expired_at, o.voucher_code, o.user_email, o.created_at, o.updated_at`

func scanOrder(row pgx.CollectableRow) (models.Order, error) {
	var o models.Order
	var total, undiscountedTotal, subtotal, shipping, undiscountedShipping taxedCols
	var charged, authorized decimal.Decimal
	totalNet, totalGross := total.dest()
	undiscountedNet, undiscountedGross := undiscountedTotal.dest()
	subtotalNet, subtotalGross := subtotal.dest()
	shippingNet, shippingGross := shipping.dest()
	undiscountedShippingNet, undiscountedShippingGross := undiscountedShipping.dest()

	err := row.Scan(
		&o.ID, &o.Number, &o.ChannelID, &o.Status, &o.Origin, &o.OriginalID, &o.Currency,
		totalNet, totalGross,
		undiscountedNet, undiscountedGross,
		subtotalNet, subtotalGross,
		shippingNet, shippingGross,
		undiscountedShippingNet, undiscountedShippingGross,
		&charged, &authorized,
		&o.ChargeStatus, &o.AuthorizeStatus, &o.ShouldRefreshPrices,
		&o.ExpiredAt, &o.VoucherCode, &o.UserEmail, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.Total = total.money(o.Currency)
	o.UndiscountedTotal = undiscountedTotal.money(o.Currency)
	o.Subtotal = subtotal.money(o.Currency)
	o.ShippingPrice = shipping.money(o.Currency)
	o.UndiscountedShippingPrice = undiscountedShipping.money(o.Currency)
	o.TotalCharged = money.New(charged, o.Currency)
	o.TotalAuthorized = money.New(authorized, o.Currency)
	return o, nil
}

// orderArgs lists order values in orderColumns order, without the number.
func orderArgs(o models.Order) []any {
	return []any{
		o.ID, o.ChannelID, o.Status, o.Origin, o.OriginalID, o.Currency,
		o.Total.Net.Amount, o.Total.Gross.Amount,
		o.UndiscountedTotal.Net.Amount, o.UndiscountedTotal.Gross.Amount,
		o.Subtotal.Net.Amount, o.Subtotal.Gross.Amount,
		o.ShippingPrice.Net.Amount, o.ShippingPrice.Gross.Amount,
		o.UndiscountedShippingPrice.Net.Amount, o.UndiscountedShippingPrice.Gross.Amount,
		o.TotalCharged.Amount, o.TotalAuthorized.Amount,
		o.ChargeStatus, o.AuthorizeStatus, o.ShouldRefreshPrices,
		o.ExpiredAt, o.VoucherCode, o.UserEmail, o.CreatedAt, o.UpdatedAt,
	}
}

// Lines carry no currency of their own; it is joined from the order.
const lineColumns = `l.id, l.order_id, l.variant_id, l.product_name, l.variant_name, l.product_sku,
	l.quantity, l.quantity_fulfilled,
	l.unit_price_net_amount, l.unit_price_gross_amount,
	l.undiscounted_unit_price_net_amount, l.undiscounted_unit_price_gross_amount,
	l.total_price_net_amount, l.total_price_gross_amount,
	l.undiscounted_total_price_net_amount, l.undiscounted_total_price_gross_amount,
	l.unit_discount_amount, l.unit_discount_reason, l.voucher_code,
	l.is_shipping_required, l.is_gift_card, l.is_gift, l.is_preorder, l.created_at,
	o.currency`

func scanLine(row pgx.CollectableRow) (models.OrderLine, error) {
	var l models.OrderLine
	var unit, undiscountedUnit, total, undiscountedTotal taxedCols
	var discount decimal.Decimal
	var currency string
	unitNet, unitGross := unit.dest()
	undiscountedUnitNet, undiscountedUnitGross := undiscountedUnit.dest()
	totalNet, totalGross := total.dest()
	undiscountedTotalNet, undiscountedTotalGross := undiscountedTotal.dest()

	err := row.Scan(
		&l.ID, &l.OrderID, &l.VariantID, &l.ProductName, &l.VariantName, &l.ProductSKU,
		&l.Quantity, &l.QuantityFulfilled,
		unitNet, unitGross,
		undiscountedUnitNet, undiscountedUnitGross,
		totalNet, totalGross,
		undiscountedTotalNet, undiscountedTotalGross,
		&discount, &l.UnitDiscountReason, &l.VoucherCode,
		&l.IsShippingRequired, &l.IsGiftCard, &l.IsGift, &l.IsPreorder, &l.CreatedAt,
		&currency,
	)
	if err != nil {
		return l, err
	}
	l.UnitPrice = unit.money(currency)
	l.UndiscountedUnitPrice = undiscountedUnit.money(currency)
	l.TotalPrice = total.money(currency)
	l.UndiscountedTotalPrice = undiscountedTotal.money(currency)
	l.UnitDiscountAmount = money.New(discount, currency)
	return l, nil
}

func lineArgs(l models.OrderLine) []any {
	return []any{
		l.ID, l.OrderID, l.VariantID, l.ProductName, l.VariantName, l.ProductSKU,
		l.Quantity, l.QuantityFulfilled,
		l.UnitPrice.Net.Amount, l.UnitPrice.Gross.Amount,
		l.UndiscountedUnitPrice.Net.Amount, l.UndiscountedUnitPrice.Gross.Amount,
		l.TotalPrice.Net.Amount, l.TotalPrice.Gross.Amount,
		l.UndiscountedTotalPrice.Net.Amount, l.UndiscountedTotalPrice.Gross.Amount,
		l.UnitDiscountAmount.Amount, l.UnitDiscountReason, l.VoucherCode,
		l.IsShippingRequired, l.IsGiftCard, l.IsGift, l.IsPreorder, l.CreatedAt,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	value := d.Decimal
	return &value
}
