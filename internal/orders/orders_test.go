package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
)

func testLine(quantity, fulfilled int, unit, undiscountedUnit string) models.OrderLine {
	unitPrice := money.MustParseTaxed(unit, unit, "USD")
	undiscounted := money.MustParseTaxed(undiscountedUnit, undiscountedUnit, "USD")
	return models.OrderLine{
		ID:                     uuid.New(),
		Quantity:               quantity,
		QuantityFulfilled:      fulfilled,
		UnitPrice:              unitPrice,
		UndiscountedUnitPrice:  undiscounted,
		TotalPrice:             unitPrice.Mul(quantity),
		UndiscountedTotalPrice: undiscounted.Mul(quantity),
	}
}

func TestRecomputeTotals(t *testing.T) {
	t.Parallel()

	order := models.Order{
		ID:                        uuid.New(),
		Currency:                  "USD",
		ShippingPrice:             money.MustParseTaxed("5.00", "5.00", "USD"),
		UndiscountedShippingPrice: money.MustParseTaxed("5.00", "5.00", "USD"),
		ShouldRefreshPrices:       true,
	}
	lines := []models.OrderLine{
		testLine(3, 0, "10.00", "12.00"),
		testLine(2, 0, "0.333", "0.333"),
	}

	got, err := RecomputeTotals(order, lines)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Subtotal.Gross.Amount.Equal(decimal.RequireFromString("30.67")) {
		t.Fatalf("subtotal = %s, want 30.67", got.Subtotal.Gross.Amount)
	}
	if !got.Total.Gross.Amount.Equal(decimal.RequireFromString("35.67")) {
		t.Fatalf("total = %s, want 35.67", got.Total.Gross.Amount)
	}
	if !got.UndiscountedTotal.Gross.Amount.Equal(decimal.RequireFromString("41.67")) {
		t.Fatalf("undiscounted total = %s, want 41.67", got.UndiscountedTotal.Gross.Amount)
	}
	if got.ShouldRefreshPrices {
		t.Fatalf("expected dirty flag cleared")
	}
	if !order.ShouldRefreshPrices {
		t.Fatalf("input order must not be mutated")
	}
}

func TestRecomputeTotalsRejectsMixedCurrencies(t *testing.T) {
	t.Parallel()

	order := models.Order{Currency: "EUR", ShippingPrice: money.ZeroTaxed("EUR"), UndiscountedShippingPrice: money.ZeroTaxed("EUR")}
	_, err := RecomputeTotals(order, []models.OrderLine{testLine(1, 0, "1.00", "1.00")})
	if !errors.Is(err, money.ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		from    models.OrderStatus
		event   Event
		want    models.OrderStatus
		wantErr bool
	}{
		{name: "confirm unconfirmed", from: models.StatusUnconfirmed, event: EventConfirm, want: models.StatusUnfulfilled},
		{name: "expire unconfirmed", from: models.StatusUnconfirmed, event: EventExpire, want: models.StatusExpired},
		{name: "approve on canceled", from: models.StatusCanceled, event: EventApproveFulfillment, wantErr: true},
		{name: "approve keeps status", from: models.StatusPartiallyFulfilled, event: EventApproveFulfillment, want: models.StatusPartiallyFulfilled},
		{name: "fulfill draft", from: models.StatusDraft, event: EventMarkFulfilled, wantErr: true},
		{name: "cancel fulfilled", from: models.StatusFulfilled, event: EventCancel, wantErr: true},
		{name: "expire unfulfilled", from: models.StatusUnfulfilled, event: EventExpire, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := TransitionStatus(models.Order{Status: tt.from}, tt.event, now)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s", got.Status, tt.want)
			}
			if (got.Status == models.StatusExpired) != (got.ExpiredAt != nil) {
				t.Fatalf("expired_at invariant broken: status=%s expired_at=%v", got.Status, got.ExpiredAt)
			}
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	order := models.Order{Status: models.StatusUnfulfilled}
	lineA := testLine(3, 3, "1", "1")
	lineB := testLine(2, 0, "1", "1")

	if got := DeriveStatus(order, []models.OrderLine{lineA, lineB}, nil); got != models.StatusPartiallyFulfilled {
		t.Fatalf("partial: got %s", got)
	}
	lineB.QuantityFulfilled = 2
	if got := DeriveStatus(order, []models.OrderLine{lineA, lineB}, nil); got != models.StatusFulfilled {
		t.Fatalf("full: got %s", got)
	}

	returned := models.Fulfillment{Status: models.FulfillmentReturned, Lines: []models.FulfillmentLine{{Quantity: 2}}}
	if got := DeriveStatus(order, []models.OrderLine{lineA, lineB}, []models.Fulfillment{returned}); got != models.StatusPartiallyReturned {
		t.Fatalf("partially returned: got %s", got)
	}

	draft := models.Order{Status: models.StatusDraft}
	if got := DeriveStatus(draft, []models.OrderLine{lineA}, nil); got != models.StatusDraft {
		t.Fatalf("draft must keep status, got %s", got)
	}
}

func TestChargeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		total   string
		charged string
		granted string
		want    models.ChargeStatus
	}{
		{name: "nothing charged", total: "100", charged: "0", granted: "0", want: models.ChargeNone},
		{name: "partially charged", total: "100", charged: "40", granted: "0", want: models.ChargePartial},
		{name: "fully charged", total: "100", charged: "100", granted: "0", want: models.ChargeFull},
		{name: "overcharged after grant", total: "100", charged: "100", granted: "25", want: models.ChargeOvercharged},
		{name: "full after grant and refund", total: "100", charged: "75", granted: "25", want: models.ChargeFull},
		{name: "grant exceeding total floors at zero", total: "10", charged: "0", granted: "50", want: models.ChargeFull},
		{name: "rounding is applied before compare", total: "10.004", charged: "10", granted: "0", want: models.ChargeFull},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			order := models.Order{
				Currency:     "USD",
				Total:        money.MustParseTaxed(tt.total, tt.total, "USD"),
				TotalCharged: money.MustParse(tt.charged, "USD"),
			}
			if got := ChargeStatus(order, decimal.RequireFromString(tt.granted)); got != tt.want {
				t.Fatalf("ChargeStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPaymentPredicates(t *testing.T) {
	t.Parallel()

	order := models.Order{
		Currency:     "USD",
		Total:        money.MustParseTaxed("50", "50", "USD"),
		TotalCharged: money.MustParse("20", "USD"),
	}
	if IsFullyPaid(order) || !IsPartlyPaid(order) {
		t.Fatalf("expected partly paid order")
	}
	order.TotalCharged = money.MustParse("50", "USD")
	if !IsFullyPaid(order) {
		t.Fatalf("expected fully paid order")
	}
}

func TestUpdateChargeDataIgnoresInactivePayments(t *testing.T) {
	t.Parallel()

	order := models.Order{Currency: "USD", Total: money.MustParseTaxed("30", "30", "USD")}
	payments := []models.Payment{
		{IsActive: true, Captured: money.MustParse("30", "USD"), Refunded: money.MustParse("10", "USD"), Authorized: money.Zero("USD")},
		{IsActive: false, Captured: money.MustParse("99", "USD"), Refunded: money.Zero("USD"), Authorized: money.Zero("USD")},
	}

	got := UpdateChargeData(order, payments, decimal.RequireFromString("10"))
	if !got.TotalCharged.Amount.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("total charged = %s, want 20", got.TotalCharged.Amount)
	}
	if got.ChargeStatus != models.ChargeFull {
		t.Fatalf("charge status = %s, want full", got.ChargeStatus)
	}
}
