package refunds

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/payments"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestRefundFulfillmentLinesWithShipping(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, line, shipped, payment := f.shippedOrder(t, 3, "10.00")

	result, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
		OrderID:              order.ID,
		Actor:                f.staff,
		IncludeShippingCosts: true,
		FulfillmentLines:     []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.GatewayErrors())

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.True(t, dec("25.00").Equal(req.Amount.Amount), "got %s", req.Amount)
	assert.Equal(t, payment.ID, req.Payment.ID)
	assert.Equal(t, "default", req.ChannelSlug)

	assert.Equal(t, models.FulfillmentRefunded, result.Fulfillment.Status)
	require.Len(t, result.Fulfillment.Lines, 1)
	assert.Equal(t, 2, result.Fulfillment.Lines[0].Quantity)
	assert.Equal(t, shipped.Lines[0].StockID, result.Fulfillment.Lines[0].StockID)
	require.NotNil(t, result.Fulfillment.ShippingRefundAmount)
	assert.True(t, dec("5").Equal(*result.Fulfillment.ShippingRefundAmount))

	grants := f.store.GrantedRefunds(order.ID)
	require.Len(t, grants, 1)
	assert.Equal(t, models.GrantedRefundSuccess, grants[0].Status)
	assert.True(t, grants[0].ShippingCostsIncluded)
	require.Len(t, grants[0].Lines, 1)
	assert.Equal(t, line.ID, grants[0].Lines[0].OrderLineID)
	assert.Equal(t, 2, grants[0].Lines[0].Quantity)

	all := f.store.Fulfillments(order.ID)
	source := fulfillmentsWithStatus(all, models.FulfillmentFulfilled)
	require.Len(t, source, 1)
	assert.Equal(t, 1, source[0].Quantity())

	stored, _ := f.store.Payment(payment.ID)
	assert.True(t, dec("25").Equal(stored.Refunded.Amount))
	assert.True(t, dec("10").Equal(result.Order.TotalCharged.Amount))
	assert.Equal(t, models.ChargeFull, result.Order.ChargeStatus)

	events := f.store.Events(order.ID)
	assert.Len(t, eventsOfType(events, models.EventFulfillmentRefunded), 1)
	assert.Len(t, eventsOfType(events, models.EventPaymentRefunded), 1)
	assert.Contains(t, f.listener.refunded, order.ID)
}

func TestRefundGatewayFailureKeepsLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, shipped, payment := f.shippedOrder(t, 2, "10.00")
	f.gateway.fail[payment.ID] = true

	result, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
		OrderID:          order.ID,
		Actor:            f.staff,
		FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)

	gatewayErrs := result.GatewayErrors()
	require.Len(t, gatewayErrs, 1)
	assert.ErrorIs(t, gatewayErrs[0], payments.ErrGateway)

	assert.Equal(t, models.FulfillmentRefunded, result.Fulfillment.Status)
	grants := f.store.GrantedRefunds(order.ID)
	require.Len(t, grants, 1)
	assert.Equal(t, models.GrantedRefundFailure, grants[0].Status)

	stored, _ := f.store.Payment(payment.ID)
	assert.True(t, stored.Refunded.Amount.IsZero())
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventPaymentRefundFailed), 1)
	assert.Empty(t, f.listener.refunded)
	assert.Equal(t, models.ChargeOvercharged, result.Order.ChargeStatus)
}

func TestRefundValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(f *fixture, order models.Order, line models.OrderLine, shipped models.Fulfillment, payment models.Payment) RefundInput
		seeded   int
		wantCode validation.Code
	}{
		{
			name: "nothing requested",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, _ models.Fulfillment, _ models.Payment) RefundInput {
				return RefundInput{OrderID: order.ID, Actor: f.staff}
			},
			wantCode: validation.CodeRequired,
		},
		{
			name: "zero quantity",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, shipped models.Fulfillment, _ models.Payment) RefundInput {
				return RefundInput{OrderID: order.ID, Actor: f.staff, FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID}}}
			},
			wantCode: validation.CodeZeroQuantity,
		},
		{
			name: "more than fulfilled",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, shipped models.Fulfillment, _ models.Payment) RefundInput {
				return RefundInput{OrderID: order.ID, Actor: f.staff, FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 4}}}
			},
			wantCode: validation.CodeInvalidQuantity,
		},
		{
			name: "more than unfulfilled",
			setup: func(f *fixture, order models.Order, line models.OrderLine, _ models.Fulfillment, _ models.Payment) RefundInput {
				return RefundInput{OrderID: order.ID, Actor: f.staff, OrderLines: []OrderLineRefund{{OrderLineID: line.ID, Quantity: 1}}}
			},
			wantCode: validation.CodeInvalidQuantity,
		},
		{
			name: "exceeds ledger",
			setup: func(f *fixture, order models.Order, line models.OrderLine, shipped models.Fulfillment, _ models.Payment) RefundInput {
				f.store.PutGrantedRefund(models.GrantedRefund{
					OrderID:  order.ID,
					Amount:   dec("20"),
					Currency: "USD",
					Status:   models.GrantedRefundSuccess,
					Lines:    []models.GrantedRefundLine{{OrderLineID: line.ID, Quantity: 2}},
				})
				return RefundInput{OrderID: order.ID, Actor: f.staff, FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 2}}}
			},
			seeded:   1,
			wantCode: validation.CodeInvalidQuantity,
		},
		{
			name: "multiple payments with amount only",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, _ models.Fulfillment, _ models.Payment) RefundInput {
				f.store.PutPayment(models.Payment{OrderID: order.ID, Gateway: "fake", IsActive: true, Captured: money.MustParse("5.00", "USD"), Refunded: money.Zero("USD")})
				return RefundInput{OrderID: order.ID, Actor: f.staff, AmountToRefund: decPtr("3.00")}
			},
			wantCode: validation.CodeOrderHasMultiplePayments,
		},
		{
			name: "foreign payment",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, _ models.Fulfillment, _ models.Payment) RefundInput {
				return RefundInput{OrderID: order.ID, Actor: f.staff, AmountToRefund: decPtr("3.00"), PaymentsToRefund: []PaymentRefund{{PaymentID: uuid.New()}}}
			},
			wantCode: validation.CodePaymentsDoNotBelongToOrder,
		},
		{
			name: "shipping on two payments",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, shipped models.Fulfillment, payment models.Payment) RefundInput {
				other := f.store.PutPayment(models.Payment{OrderID: order.ID, Gateway: "fake", IsActive: true, Captured: money.MustParse("5.00", "USD"), Refunded: money.Zero("USD")})
				return RefundInput{
					OrderID:          order.ID,
					Actor:            f.staff,
					FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 1}},
					PaymentsToRefund: []PaymentRefund{
						{PaymentID: payment.ID, IncludeShippingCosts: true},
						{PaymentID: other.ID, IncludeShippingCosts: true},
					},
				}
			},
			wantCode: validation.CodeDuplicatedInputItem,
		},
		{
			name: "amount above captured",
			setup: func(f *fixture, order models.Order, _ models.OrderLine, _ models.Fulfillment, _ models.Payment) RefundInput {
				return RefundInput{OrderID: order.ID, Actor: f.staff, AmountToRefund: decPtr("100.00")}
			},
			wantCode: validation.CodeCannotRefund,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			order, line, shipped, payment := f.shippedOrder(t, 3, "10.00")
			input := tt.setup(f, order, line, shipped, payment)

			_, err := f.engine.RefundFulfillmentProducts(context.Background(), input)
			list, ok := validation.AsErrors(err)
			require.True(t, ok, "expected validation errors, got %v", err)
			assert.True(t, list.HasCode(tt.wantCode), "got %v", list)
			assert.Empty(t, f.gateway.requests, "gateway must not be called")
			assert.Len(t, f.store.GrantedRefunds(order.ID), tt.seeded)
		})
	}
}

func TestRefundSplitAcrossPayments(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, shipped, payment := f.shippedOrder(t, 3, "10.00")
	other := f.store.PutPayment(models.Payment{OrderID: order.ID, Gateway: "fake", IsActive: true, Captured: money.MustParse("5.00", "USD"), Refunded: money.Zero("USD")})

	result, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
		OrderID:          order.ID,
		Actor:            f.staff,
		FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 2}},
		PaymentsToRefund: []PaymentRefund{
			{PaymentID: payment.ID, IncludeShippingCosts: true},
			{PaymentID: other.ID, Amount: decPtr("3.00")},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Payments, 2)

	amounts := map[uuid.UUID]decimal.Decimal{}
	for _, r := range f.gateway.requests {
		amounts[r.Payment.ID] = r.Amount.Amount
	}
	assert.True(t, dec("25").Equal(amounts[payment.ID]), "got %s", amounts[payment.ID])
	assert.True(t, dec("3").Equal(amounts[other.ID]), "got %s", amounts[other.ID])
	assert.True(t, dec("28").Equal(result.Grant.Amount))
}

func TestRefundAmountOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, _, _ := f.shippedOrder(t, 1, "10.00")

	result, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
		OrderID:        order.ID,
		Actor:          f.staff,
		AmountToRefund: decPtr("7.50"),
	})
	require.NoError(t, err)

	require.Len(t, f.gateway.requests, 1)
	assert.True(t, dec("7.5").Equal(f.gateway.requests[0].Amount.Amount))
	assert.Equal(t, models.FulfillmentRefunded, result.Fulfillment.Status)
	assert.Empty(t, result.Fulfillment.Lines)
	require.NotNil(t, result.Fulfillment.TotalRefundAmount)
	assert.True(t, dec("7.5").Equal(*result.Fulfillment.TotalRefundAmount))
	assert.Empty(t, result.Grant.Lines)
}

func TestShippingRefundedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, shipped, _ := f.shippedOrder(t, 3, "10.00")

	for i := 0; i < 2; i++ {
		_, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
			OrderID:              order.ID,
			Actor:                f.staff,
			IncludeShippingCosts: true,
			FulfillmentLines:     []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 1}},
		})
		require.NoError(t, err)
	}

	require.Len(t, f.gateway.requests, 2)
	assert.True(t, dec("15").Equal(f.gateway.requests[0].Amount.Amount))
	assert.True(t, dec("10").Equal(f.gateway.requests[1].Amount.Amount))
}

func TestReturnWithoutRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, shipped, _ := f.shippedOrder(t, 3, "10.00")

	result, err := f.engine.ReturnFulfillmentProducts(context.Background(), ReturnInput{
		OrderID:          order.ID,
		Actor:            f.staff,
		FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)

	require.NotNil(t, result.ReturnFulfillment)
	assert.Equal(t, models.FulfillmentReturned, result.ReturnFulfillment.Status)
	assert.Nil(t, result.Grant)
	assert.Nil(t, result.ReplaceOrder)
	assert.Equal(t, models.StatusPartiallyReturned, result.Order.Status)
	assert.Empty(t, f.gateway.requests)
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventFulfillmentReturned), 1)
}

func TestReturnEverythingWithRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, shipped, _ := f.shippedOrder(t, 3, "10.00")

	result, err := f.engine.ReturnFulfillmentProducts(context.Background(), ReturnInput{
		OrderID:          order.ID,
		Actor:            f.staff,
		Refund:           true,
		FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 3}},
	})
	require.NoError(t, err)

	require.NotNil(t, result.ReturnFulfillment)
	assert.Equal(t, models.FulfillmentRefundedAndReturned, result.ReturnFulfillment.Status)
	assert.Equal(t, models.StatusReturned, result.Order.Status)
	require.Len(t, f.gateway.requests, 1)
	assert.True(t, dec("30").Equal(f.gateway.requests[0].Amount.Amount))
	assert.Empty(t, fulfillmentsWithStatus(f.store.Fulfillments(order.ID), models.FulfillmentFulfilled), "emptied source is removed")
	require.NotNil(t, result.Grant)
	assert.Equal(t, 3, result.Grant.Lines[0].Quantity)
}

func TestRefundOfWholeFulfillmentTakesFreshNumber(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, shipped, _ := f.shippedOrder(t, 3, "10.00")

	result, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
		OrderID:          order.ID,
		Actor:            f.staff,
		FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 3}},
	})
	require.NoError(t, err)

	assert.Empty(t, fulfillmentsWithStatus(f.store.Fulfillments(order.ID), models.FulfillmentFulfilled))
	assert.Greater(t, result.Fulfillment.FulfillmentOrder, shipped.FulfillmentOrder)
}

// partlyShippedOrder stores an order whose single line has quantity 3 with
// one unit shipped and a grant of granted units already recorded against it.
func (f *fixture) partlyShippedOrder(t *testing.T, granted int) (models.Order, models.OrderLine) {
	t.Helper()

	variant := uuid.New()
	price := money.MustParseTaxed("10.00", "10.00", "USD")
	total := price.Mul(3)
	order, lines := f.store.PutOrder(models.Order{
		ChannelID:         f.channel.ID,
		Status:            models.StatusPartiallyFulfilled,
		Origin:            models.OriginCheckout,
		Currency:          "USD",
		Subtotal:          total,
		Total:             total,
		UndiscountedTotal: total,
		ShippingPrice:     money.ZeroTaxed("USD"),
		TotalCharged:      total.Gross,
		ChargeStatus:      models.ChargeFull,
		UserEmail:         "buyer@example.com",
	}, models.OrderLine{
		VariantID:              &variant,
		ProductName:            "Shirt",
		Quantity:               3,
		QuantityFulfilled:      1,
		UnitPrice:              price,
		UndiscountedUnitPrice:  price,
		TotalPrice:             total,
		UndiscountedTotalPrice: total,
		IsShippingRequired:     true,
	})
	stockID := uuid.New()
	f.store.PutFulfillment(models.Fulfillment{
		OrderID:          order.ID,
		FulfillmentOrder: 1,
		Status:           models.FulfillmentFulfilled,
		Lines:            []models.FulfillmentLine{{OrderLineID: lines[0].ID, StockID: &stockID, Quantity: 1}},
	})
	f.store.PutPayment(models.Payment{
		OrderID:  order.ID,
		Gateway:  "fake",
		IsActive: true,
		Captured: total.Gross,
		Refunded: money.Zero("USD"),
	})
	f.store.PutGrantedRefund(models.GrantedRefund{
		OrderID:  order.ID,
		Amount:   decimal.NewFromInt(int64(10 * granted)),
		Currency: "USD",
		Status:   models.GrantedRefundSuccess,
		Lines:    []models.GrantedRefundLine{{OrderLineID: lines[0].ID, Quantity: granted}},
	})
	return order, lines[0]
}

func TestRefundOrderLinesChecksUnfulfilledAndLedgerSeparately(t *testing.T) {
	t.Parallel()

	t.Run("grant on shipped unit leaves unfulfilled refundable", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		order, line := f.partlyShippedOrder(t, 1)
		_, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
			OrderID:    order.ID,
			Actor:      f.staff,
			OrderLines: []OrderLineRefund{{OrderLineID: line.ID, Quantity: 2}},
		})
		require.NoError(t, err)
		require.Len(t, f.gateway.requests, 1)
		assert.True(t, dec("20").Equal(f.gateway.requests[0].Amount.Amount))
	})

	t.Run("ledger caps the line quantity", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		order, line := f.partlyShippedOrder(t, 2)
		_, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
			OrderID:    order.ID,
			Actor:      f.staff,
			OrderLines: []OrderLineRefund{{OrderLineID: line.ID, Quantity: 2}},
		})
		list, ok := validation.AsErrors(err)
		require.True(t, ok, "expected validation errors, got %v", err)
		assert.True(t, list.HasCode(validation.CodeInvalidQuantity))
		assert.Empty(t, f.gateway.requests)
	})
}

func TestReturnWithReplacement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, line, shipped, _ := f.shippedOrder(t, 3, "10.00")

	result, err := f.engine.ReturnFulfillmentProducts(context.Background(), ReturnInput{
		OrderID:          order.ID,
		Actor:            f.staff,
		Refund:           true,
		FulfillmentLines: []FulfillmentLineRefund{{FulfillmentLineID: shipped.Lines[0].ID, Quantity: 2, Replace: true}},
	})
	require.NoError(t, err)

	assert.Empty(t, f.gateway.requests, "replaced lines are not refunded")
	require.NotNil(t, result.ReplaceFulfillment)
	assert.Equal(t, models.FulfillmentReplaced, result.ReplaceFulfillment.Status)
	assert.Equal(t, 2, result.ReplaceFulfillment.Quantity())

	require.NotNil(t, result.ReplaceOrder)
	draft := *result.ReplaceOrder
	assert.Equal(t, models.StatusDraft, draft.Status)
	assert.Equal(t, models.OriginReissue, draft.Origin)
	require.NotNil(t, draft.OriginalID)
	assert.Equal(t, order.ID, *draft.OriginalID)
	assert.True(t, dec("20").Equal(draft.Total.Gross.Amount))

	draftLines := f.store.Lines(draft.ID)
	require.Len(t, draftLines, 1)
	assert.Equal(t, 2, draftLines[0].Quantity)
	assert.Zero(t, draftLines[0].QuantityFulfilled)
	assert.Equal(t, line.VariantID, draftLines[0].VariantID)

	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventOrderReplacementCreated), 1)
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventFulfillmentReplaced), 1)
	assert.Len(t, eventsOfType(f.store.Events(draft.ID), models.EventDraftCreatedFromReplace), 1)
	assert.Equal(t, []uuid.UUID{draft.ID}, f.listener.drafts)
}

func TestGrantRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, line, _, _ := f.shippedOrder(t, 3, "10.00")

	grant, err := f.engine.GrantRefund(context.Background(), GrantInput{
		OrderID:              order.ID,
		Actor:                f.staff,
		IncludeShippingCosts: true,
		Lines:                []GrantLine{{OrderLineID: line.ID, Quantity: 1}},
		Reason:               "damaged",
	})
	require.NoError(t, err)
	assert.True(t, dec("15").Equal(grant.Amount))
	assert.Equal(t, models.GrantedRefundNone, grant.Status)
	assert.Empty(t, f.gateway.requests)

	stored, _ := f.store.Order(order.ID)
	assert.Equal(t, models.ChargeOvercharged, stored.ChargeStatus)
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventGrantedRefundCreated), 1)

	_, err = f.engine.GrantRefund(context.Background(), GrantInput{
		OrderID: order.ID,
		Actor:   f.staff,
		Lines:   []GrantLine{{OrderLineID: line.ID, Quantity: 3}},
	})
	list, ok := validation.AsErrors(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, list.HasCode(validation.CodeInvalidQuantity))

	_, err = f.engine.GrantRefund(context.Background(), GrantInput{
		OrderID:              order.ID,
		Actor:                f.staff,
		IncludeShippingCosts: true,
	})
	list, ok = validation.AsErrors(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, list.HasCode(validation.CodeCannotRefund))
}

func TestRefundRejectsClosedOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _, _, _ := f.shippedOrder(t, 1, "10.00")
	order.Status = models.StatusCanceled
	f.store.PutOrder(order)

	_, err := f.engine.RefundFulfillmentProducts(context.Background(), RefundInput{
		OrderID:        order.ID,
		Actor:          f.staff,
		AmountToRefund: decPtr("1.00"),
	})
	assert.ErrorIs(t, err, validation.ErrInvalidTransition)
}
