package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/money"
)

type Channel struct {
	ID                       uuid.UUID     `json:"id"`
	Slug                     string        `json:"slug"`
	Currency                 string        `json:"currency"`
	FulfillmentAutoApprove   bool          `json:"fulfillment_auto_approve"`
	FulfillmentAllowUnpaid   bool          `json:"fulfillment_allow_unpaid"`
	AllowStockToBeExceeded   bool          `json:"allow_stock_to_be_exceeded"`
	ExpireOrdersAfter        time.Duration `json:"expire_orders_after"`
	DeleteExpiredOrdersAfter time.Duration `json:"delete_expired_orders_after"`
	// PreorderThresholds holds the remaining preorder capacity per variant.
	PreorderThresholds map[uuid.UUID]int `json:"preorder_thresholds,omitempty"`
}

type Payment struct {
	ID         uuid.UUID   `json:"id"`
	OrderID    uuid.UUID   `json:"order_id"`
	Gateway    string      `json:"gateway"`
	Token      string      `json:"token"`
	IsActive   bool        `json:"is_active"`
	Captured   money.Money `json:"captured"`
	Authorized money.Money `json:"authorized"`
	Refunded   money.Money `json:"refunded"`
}

// Refundable is the captured amount not yet refunded.
func (p *Payment) Refundable() money.Money {
	left, err := p.Captured.Sub(p.Refunded)
	if err != nil {
		return money.Zero(p.Captured.Currency)
	}
	return left.NonNegative()
}

type GrantedRefundStatus string

const (
	GrantedRefundNone    GrantedRefundStatus = "none"
	GrantedRefundPending GrantedRefundStatus = "pending"
	GrantedRefundSuccess GrantedRefundStatus = "success"
	GrantedRefundFailure GrantedRefundStatus = "failure"
)

type GrantedRefund struct {
	ID                    uuid.UUID           `json:"id"`
	OrderID               uuid.UUID           `json:"order_id"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	Reason                string              `json:"reason,omitempty"`
	ShippingCostsIncluded bool                `json:"shipping_costs_included"`
	Status                GrantedRefundStatus `json:"status"`
	Lines                 []GrantedRefundLine `json:"lines"`
	CreatedAt             time.Time           `json:"created_at"`
}

type GrantedRefundLine struct {
	ID          uuid.UUID `json:"id"`
	OrderLineID uuid.UUID `json:"order_line_id"`
	Quantity    int       `json:"quantity"`
	Reason      string    `json:"reason,omitempty"`
}

// GrantedQuantities sums granted-refund line quantities per order line.
func GrantedQuantities(grants []GrantedRefund) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int)
	for _, grant := range grants {
		for _, line := range grant.Lines {
			out[line.OrderLineID] += line.Quantity
		}
	}
	return out
}

// GrantedTotal sums grant amounts.
func GrantedTotal(grants []GrantedRefund) decimal.Decimal {
	total := decimal.Zero
	for _, grant := range grants {
		total = total.Add(grant.Amount)
	}
	return total
}

type VoucherCode struct {
	Code string `json:"code"`
	Used int    `json:"used"`
}
