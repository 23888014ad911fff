package refunds

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

// split is the share of a refund sent to one payment.
type split struct {
	payment models.Payment
	amount  money.Money
}

type plan struct {
	total    money.Money
	shipping money.Money
	splits   []split
}

func (p plan) shippingIncluded() bool {
	return p.shipping.Amount.IsPositive()
}

// shippingRefunded reports whether an earlier refund or grant already
// covered the shipping price.
func shippingRefunded(s *snapshot) bool {
	for _, f := range s.fulfillments {
		if f.ShippingRefundAmount != nil && f.ShippingRefundAmount.IsPositive() {
			return true
		}
	}
	for _, g := range s.grants {
		if g.ShippingCostsIncluded {
			return true
		}
	}
	return false
}

// planRefund computes the refund total and how it splits across payments.
// Shipping is refunded at most once per order.
func planRefund(req request, s *snapshot, moves []move) (plan, error) {
	currency := s.order.Currency
	p := plan{total: money.Zero(currency), shipping: money.Zero(currency)}
	if !req.refund {
		return p, nil
	}

	linesAmount := decimal.Zero
	for _, m := range moves {
		if m.refunded {
			linesAmount = linesAmount.Add(m.line.UnitPrice.Gross.Amount.Mul(decimal.NewFromInt(int64(m.quantity))))
		}
	}

	wantsShipping := req.includeShipping
	flagged := 0
	for _, pr := range req.payments {
		if pr.IncludeShippingCosts {
			flagged++
			wantsShipping = true
		}
	}
	shipping := decimal.Zero
	if wantsShipping && !shippingRefunded(s) {
		shipping = s.order.ShippingPrice.Gross.Amount
	}
	p.shipping = money.New(shipping, currency).Quantize()

	active := activePayments(s.payments)
	if len(req.payments) == 0 {
		total := linesAmount.Add(shipping)
		if req.amount != nil {
			total = *req.amount
		}
		p.total = money.New(total, currency).Quantize()
		if !p.total.Amount.IsPositive() {
			return p, nil
		}
		switch {
		case len(active) == 0:
			return p, validation.New("order", validation.CodeCannotRefund, "order has no active payment to refund")
		case len(active) > 1:
			ids := make([]uuid.UUID, 0, len(active))
			for _, a := range active {
				ids = append(ids, a.ID)
			}
			return p, validation.Errors{{
				Field:      "paymentsToRefund",
				Code:       validation.CodeOrderHasMultiplePayments,
				Message:    "order has multiple payments, provide the payments to refund",
				PaymentIDs: ids,
			}}
		}
		refundable := active[0].Refundable()
		if p.total.Amount.GreaterThan(refundable.Amount) {
			return p, validation.Errors{{
				Field:      "amountToRefund",
				Code:       validation.CodeCannotRefund,
				Message:    fmt.Sprintf("amount %s exceeds refundable %s", p.total, refundable),
				PaymentIDs: []uuid.UUID{active[0].ID},
			}}
		}
		p.splits = []split{{payment: active[0], amount: p.total}}
		return p, nil
	}

	splits, err := splitAcross(req, active, linesAmount, shipping, flagged, currency)
	if err != nil {
		return p, err
	}
	total := money.Zero(currency)
	for _, sp := range splits {
		total.Amount = total.Amount.Add(sp.amount.Amount)
	}
	p.total = total
	p.splits = splits
	return p, nil
}

// splitAcross honors an explicit per-payment split. Entries without an
// amount share the line amount in input order, each capped at what is left
// on its payment; the entry flagged for shipping also carries the shipping
// price.
func splitAcross(req request, active []models.Payment, linesAmount, shipping decimal.Decimal, flagged int, currency string) ([]split, error) {
	var errs validation.Errors
	if flagged > 1 {
		errs = append(errs, validation.Error{Field: "paymentsToRefund", Code: validation.CodeDuplicatedInputItem, Message: "shipping costs can be included on one payment only"})
	}

	byID := make(map[uuid.UUID]models.Payment, len(active))
	for _, p := range active {
		byID[p.ID] = p
	}
	var foreign, duplicated, exceeded []uuid.UUID
	seen := map[uuid.UUID]struct{}{}
	for _, pr := range req.payments {
		if _, dup := seen[pr.PaymentID]; dup {
			duplicated = append(duplicated, pr.PaymentID)
		}
		seen[pr.PaymentID] = struct{}{}
		p, ok := byID[pr.PaymentID]
		if !ok {
			foreign = append(foreign, pr.PaymentID)
			continue
		}
		if pr.Amount != nil && pr.Amount.GreaterThan(p.Refundable().Amount) {
			exceeded = append(exceeded, pr.PaymentID)
		}
		if pr.Amount != nil && !pr.Amount.IsPositive() {
			exceeded = append(exceeded, pr.PaymentID)
		}
	}
	if len(duplicated) > 0 {
		errs = append(errs, validation.Error{Field: "paymentsToRefund", Code: validation.CodeDuplicatedInputItem, Message: "payment given more than once", PaymentIDs: duplicated})
	}
	if len(foreign) > 0 {
		errs = append(errs, validation.Error{Field: "paymentsToRefund", Code: validation.CodePaymentsDoNotBelongToOrder, Message: "payments do not belong to the order", PaymentIDs: foreign})
	}
	if len(exceeded) > 0 {
		errs = append(errs, validation.Error{Field: "paymentsToRefund", Code: validation.CodeCannotRefund, Message: "amount is not refundable from the payment", PaymentIDs: exceeded})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	pool := linesAmount
	if req.amount != nil {
		pool = *req.amount
	} else if flagged == 0 {
		pool = pool.Add(shipping)
	}

	splits := make([]split, 0, len(req.payments))
	for _, pr := range req.payments {
		p := byID[pr.PaymentID]
		var amount decimal.Decimal
		if pr.Amount != nil {
			amount = *pr.Amount
		} else {
			share := pool
			if pr.IncludeShippingCosts && req.amount == nil {
				share = share.Add(shipping)
			}
			amount = decimal.Min(share, p.Refundable().Amount)
			pool = decimal.Max(pool.Sub(amount), decimal.Zero)
		}
		quantized := money.New(amount, currency).Quantize()
		if quantized.Amount.IsPositive() {
			splits = append(splits, split{payment: p, amount: quantized})
		}
	}
	return splits, nil
}
