package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/money"
)

type OrderStatus string

const (
	StatusDraft              OrderStatus = "draft"
	StatusUnconfirmed        OrderStatus = "unconfirmed"
	StatusUnfulfilled        OrderStatus = "unfulfilled"
	StatusPartiallyFulfilled OrderStatus = "partially_fulfilled"
	StatusFulfilled          OrderStatus = "fulfilled"
	StatusPartiallyReturned  OrderStatus = "partially_returned"
	StatusReturned           OrderStatus = "returned"
	StatusCanceled           OrderStatus = "canceled"
	StatusExpired            OrderStatus = "expired"
)

type OrderOrigin string

const (
	OriginCheckout   OrderOrigin = "checkout"
	OriginDraft      OrderOrigin = "draft"
	OriginReissue    OrderOrigin = "reissue"
	OriginBulkCreate OrderOrigin = "bulk_create"
)

type ChargeStatus string

const (
	ChargeNone        ChargeStatus = "none"
	ChargePartial     ChargeStatus = "partial"
	ChargeFull        ChargeStatus = "full"
	ChargeOvercharged ChargeStatus = "overcharged"
)

type AuthorizeStatus string

const (
	AuthorizeNone    AuthorizeStatus = "none"
	AuthorizePartial AuthorizeStatus = "partial"
	AuthorizeFull    AuthorizeStatus = "full"
)

var ErrOrderInvariant = errors.New("order invariant violated")

type Order struct {
	ID         uuid.UUID   `json:"id"`
	Number     int64       `json:"number"`
	ChannelID  uuid.UUID   `json:"channel_id"`
	Status     OrderStatus `json:"status"`
	Origin     OrderOrigin `json:"origin"`
	OriginalID *uuid.UUID  `json:"original_id,omitempty"`
	Currency   string      `json:"currency"`

	Total                     money.TaxedMoney `json:"total"`
	UndiscountedTotal         money.TaxedMoney `json:"undiscounted_total"`
	Subtotal                  money.TaxedMoney `json:"subtotal"`
	ShippingPrice             money.TaxedMoney `json:"shipping_price"`
	UndiscountedShippingPrice money.TaxedMoney `json:"undiscounted_shipping_price"`
	TotalCharged              money.Money      `json:"total_charged"`
	TotalAuthorized           money.Money      `json:"total_authorized"`

	ChargeStatus    ChargeStatus    `json:"charge_status"`
	AuthorizeStatus AuthorizeStatus `json:"authorize_status"`

	ShouldRefreshPrices bool       `json:"should_refresh_prices"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
	VoucherCode         string     `json:"voucher_code,omitempty"`
	UserEmail           string     `json:"user_email,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Validate checks the invariants that must hold whenever the order is not
// inside a locked recompute.
func (o *Order) Validate() error {
	if o.Status == StatusExpired && o.ExpiredAt == nil {
		return fmt.Errorf("%w: expired order %s has no expired_at", ErrOrderInvariant, o.ID)
	}
	if o.Status != StatusExpired && o.ExpiredAt != nil {
		return fmt.Errorf("%w: order %s in status %s has expired_at set", ErrOrderInvariant, o.ID, o.Status)
	}
	below, err := o.UndiscountedTotal.LessThan(o.Total)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOrderInvariant, err)
	}
	if below {
		return fmt.Errorf("%w: order %s undiscounted total %s below total %s", ErrOrderInvariant, o.ID, o.UndiscountedTotal, o.Total)
	}
	return nil
}

// IsOpen reports whether the order accepts fulfillment and refund changes.
func (o *Order) IsOpen() bool {
	switch o.Status {
	case StatusDraft, StatusUnconfirmed, StatusCanceled, StatusExpired:
		return false
	default:
		return true
	}
}

type OrderLine struct {
	ID                uuid.UUID  `json:"id"`
	OrderID           uuid.UUID  `json:"order_id"`
	VariantID         *uuid.UUID `json:"variant_id,omitempty"`
	ProductName       string     `json:"product_name"`
	VariantName       string     `json:"variant_name"`
	ProductSKU        string     `json:"product_sku"`
	Quantity          int        `json:"quantity"`
	QuantityFulfilled int        `json:"quantity_fulfilled"`

	UnitPrice              money.TaxedMoney `json:"unit_price"`
	UndiscountedUnitPrice  money.TaxedMoney `json:"undiscounted_unit_price"`
	TotalPrice             money.TaxedMoney `json:"total_price"`
	UndiscountedTotalPrice money.TaxedMoney `json:"undiscounted_total_price"`
	UnitDiscountAmount     money.Money      `json:"unit_discount_amount"`
	UnitDiscountReason     string           `json:"unit_discount_reason,omitempty"`
	VoucherCode            string           `json:"voucher_code,omitempty"`

	IsShippingRequired bool      `json:"is_shipping_required"`
	IsGiftCard         bool      `json:"is_gift_card"`
	IsGift             bool      `json:"is_gift"`
	IsPreorder         bool      `json:"is_preorder"`
	CreatedAt          time.Time `json:"created_at"`
}

func (l *OrderLine) QuantityUnfulfilled() int {
	return l.Quantity - l.QuantityFulfilled
}
