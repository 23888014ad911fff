package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FulfillmentStatus string

const (
	FulfillmentWaitingForApproval  FulfillmentStatus = "waiting_for_approval"
	FulfillmentFulfilled           FulfillmentStatus = "fulfilled"
	FulfillmentCanceled            FulfillmentStatus = "canceled"
	FulfillmentRefunded            FulfillmentStatus = "refunded"
	FulfillmentReturned            FulfillmentStatus = "returned"
	FulfillmentRefundedAndReturned FulfillmentStatus = "refunded_and_returned"
	FulfillmentReplaced            FulfillmentStatus = "replaced"
)

type Fulfillment struct {
	ID                   uuid.UUID         `json:"id"`
	OrderID              uuid.UUID         `json:"order_id"`
	FulfillmentOrder     int               `json:"fulfillment_order"`
	Status               FulfillmentStatus `json:"status"`
	TrackingNumber       string            `json:"tracking_number,omitempty"`
	ShippingRefundAmount *decimal.Decimal  `json:"shipping_refund_amount,omitempty"`
	TotalRefundAmount    *decimal.Decimal  `json:"total_refund_amount,omitempty"`
	Lines                []FulfillmentLine `json:"lines"`
	CreatedAt            time.Time         `json:"created_at"`
}

// ComposedID is the user-facing "<order number>-<fulfillment order>" label.
func (f *Fulfillment) ComposedID(orderNumber int64) string {
	return fmt.Sprintf("%d-%d", orderNumber, f.FulfillmentOrder)
}

func (f *Fulfillment) Quantity() int {
	total := 0
	for _, line := range f.Lines {
		total += line.Quantity
	}
	return total
}

type FulfillmentLine struct {
	ID            uuid.UUID  `json:"id"`
	FulfillmentID uuid.UUID  `json:"fulfillment_id"`
	OrderLineID   uuid.UUID  `json:"order_line_id"`
	StockID       *uuid.UUID `json:"stock_id,omitempty"`
	Quantity      int        `json:"quantity"`
}

type Stock struct {
	ID                uuid.UUID `json:"id"`
	VariantID         uuid.UUID `json:"variant_id"`
	WarehouseID       uuid.UUID `json:"warehouse_id"`
	Quantity          int       `json:"quantity"`
	QuantityAllocated int       `json:"quantity_allocated"`
}

type Allocation struct {
	ID                uuid.UUID `json:"id"`
	OrderLineID       uuid.UUID `json:"order_line_id"`
	StockID           uuid.UUID `json:"stock_id"`
	QuantityAllocated int       `json:"quantity_allocated"`
}

type GiftCard struct {
	ID                uuid.UUID       `json:"id"`
	Code              string          `json:"code"`
	FulfillmentLineID uuid.UUID       `json:"fulfillment_line_id"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	Currency          string          `json:"currency"`
	CreatedByEmail    string          `json:"created_by_email,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
