package orders

import (
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
)

func IsFullyPaid(order models.Order) bool {
	return order.TotalCharged.Amount.GreaterThanOrEqual(order.Total.Gross.Amount)
}

func IsPartlyPaid(order models.Order) bool {
	return order.TotalCharged.Amount.IsPositive()
}

// currentTotal is the gross total minus granted refunds, floored at zero and
// quantized.
func currentTotal(order models.Order, granted decimal.Decimal) decimal.Decimal {
	current := decimal.Max(order.Total.Gross.Amount.Sub(granted), decimal.Zero)
	return money.New(current, order.Currency).Quantize().Amount
}

// ChargeStatus derives the charge status from the charged amount against the
// order total reduced by granted refunds.
func ChargeStatus(order models.Order, granted decimal.Decimal) models.ChargeStatus {
	charged := money.New(order.TotalCharged.Amount, order.Currency).Quantize().Amount
	current := currentTotal(order, granted)

	switch {
	case charged.Equal(current):
		return models.ChargeFull
	case !charged.IsPositive():
		return models.ChargeNone
	case charged.LessThan(current):
		return models.ChargePartial
	default:
		return models.ChargeOvercharged
	}
}

// AuthorizeStatus derives how much of the order is covered by authorized and
// charged funds together.
func AuthorizeStatus(order models.Order, granted decimal.Decimal) models.AuthorizeStatus {
	covered := money.New(order.TotalAuthorized.Amount.Add(order.TotalCharged.Amount), order.Currency).Quantize().Amount
	current := currentTotal(order, granted)

	switch {
	case covered.IsZero() && current.IsZero():
		return models.AuthorizeFull
	case !covered.IsPositive():
		return models.AuthorizeNone
	case covered.GreaterThanOrEqual(current):
		return models.AuthorizeFull
	default:
		return models.AuthorizePartial
	}
}

// UpdateChargeData recomputes payment aggregates and derived statuses from
// the order's active payments.
func UpdateChargeData(order models.Order, payments []models.Payment, granted decimal.Decimal) models.Order {
	charged := decimal.Zero
	authorized := decimal.Zero
	for _, p := range payments {
		if !p.IsActive {
			continue
		}
		charged = charged.Add(p.Captured.Amount.Sub(p.Refunded.Amount))
		authorized = authorized.Add(p.Authorized.Amount)
	}
	order.TotalCharged = money.New(decimal.Max(charged, decimal.Zero), order.Currency)
	order.TotalAuthorized = money.New(authorized, order.Currency)
	order.ChargeStatus = ChargeStatus(order, granted)
	order.AuthorizeStatus = AuthorizeStatus(order, granted)
	return order
}
