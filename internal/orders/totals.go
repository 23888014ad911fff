// Package orders holds the pure order aggregate rules: derived totals, the
// status state machine and payment-derived statuses. Nothing here touches
// storage.
package orders

import (
	"fmt"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
)

// RecomputeTotals returns a copy of order whose subtotal, total and
// undiscounted total are derived from lines and shipping. The dirty flag is
// cleared on the returned copy.
func RecomputeTotals(order models.Order, lines []models.OrderLine) (models.Order, error) {
	subtotal := money.ZeroTaxed(order.Currency)
	undiscountedSubtotal := money.ZeroTaxed(order.Currency)
	for _, line := range lines {
		var err error
		if subtotal, err = subtotal.Add(line.TotalPrice); err != nil {
			return order, fmt.Errorf("line %s total: %w", line.ID, err)
		}
		if undiscountedSubtotal, err = undiscountedSubtotal.Add(line.UndiscountedTotalPrice); err != nil {
			return order, fmt.Errorf("line %s undiscounted total: %w", line.ID, err)
		}
	}

	total, err := subtotal.Add(order.ShippingPrice)
	if err != nil {
		return order, fmt.Errorf("shipping price: %w", err)
	}
	undiscountedTotal, err := undiscountedSubtotal.Add(order.UndiscountedShippingPrice)
	if err != nil {
		return order, fmt.Errorf("undiscounted shipping price: %w", err)
	}

	order.Subtotal = subtotal.Quantize()
	order.Total = total.Quantize()
	order.UndiscountedTotal = undiscountedTotal.Quantize()
	order.ShouldRefreshPrices = false
	return order, nil
}

// Subtotal sums line totals, quantized.
func Subtotal(currency string, lines []models.OrderLine) (money.TaxedMoney, error) {
	totals := make([]money.TaxedMoney, 0, len(lines))
	for _, line := range lines {
		totals = append(totals, line.TotalPrice)
	}
	sum, err := money.Sum(currency, totals...)
	if err != nil {
		return money.TaxedMoney{}, err
	}
	return sum.Quantize(), nil
}

// LineTotals returns the expected total and undiscounted total of a line.
func LineTotals(line models.OrderLine) (total, undiscounted money.TaxedMoney) {
	return line.UnitPrice.Mul(line.Quantity).Quantize(), line.UndiscountedUnitPrice.Mul(line.Quantity).Quantize()
}
