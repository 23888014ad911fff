package fulfillment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

func TestCreateFulfillmentsAutoApproved(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	v1, v2 := uuid.New(), uuid.New()
	s1 := f.stock(v1, f.warehouse, 10)
	s2 := f.stock(v2, f.warehouse, 10)
	order, lines := f.paidOrder(t, line(v1, 3, "10.00"), line(v2, 2, "5.00"))

	result, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)

	require.Len(t, result.Fulfillments, 1)
	created := result.Fulfillments[0]
	assert.Equal(t, models.FulfillmentFulfilled, created.Status)
	assert.Equal(t, 1, created.FulfillmentOrder)
	assert.Equal(t, models.StatusFulfilled, result.Order.Status)

	for _, l := range f.store.Lines(order.ID) {
		assert.Equal(t, l.Quantity, l.QuantityFulfilled)
	}
	got1, _ := f.store.Stock(s1.ID)
	got2, _ := f.store.Stock(s2.ID)
	assert.Equal(t, 7, got1.Quantity)
	assert.Equal(t, 8, got2.Quantity)

	for _, fl := range created.Lines {
		require.NotNil(t, fl.StockID)
	}
	events := f.store.Events(order.ID)
	assert.Len(t, eventsOfType(events, models.EventFulfillmentFulfilledItems), 1)
	assert.Equal(t, []uuid.UUID{order.ID}, f.listener.fulfilled)
	assert.Len(t, f.listener.fulfillments[notify.EventFulfillmentCreated], 1)
}

func TestCreateFulfillmentsInsufficientStockChangesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	v1, v2 := uuid.New(), uuid.New()
	s1 := f.stock(v1, f.warehouse, 0)
	s2 := f.stock(v2, f.warehouse, 0)
	order, lines := f.paidOrder(t, line(v1, 3, "10.00"), line(v2, 2, "5.00"))

	_, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.ErrorIs(t, err, validation.ErrInsufficientStock)

	var stockErr *validation.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Len(t, stockErr.Items, 2)
	for _, item := range stockErr.Items {
		assert.Equal(t, f.warehouse, item.WarehouseID)
		assert.Zero(t, item.Available)
	}

	assert.Empty(t, f.store.Fulfillments(order.ID))
	got1, _ := f.store.Stock(s1.ID)
	got2, _ := f.store.Stock(s2.ID)
	assert.Zero(t, got1.Quantity)
	assert.Zero(t, got2.Quantity)
	for _, l := range f.store.Lines(order.ID) {
		assert.Zero(t, l.QuantityFulfilled)
	}
	assert.Empty(t, f.listener.fulfilled)
	assert.Empty(t, f.listener.updated)
}

func TestCreateFulfillmentsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		channel  models.Channel
		unpaid   bool
		mutate   func(in *CreateInput, lines []models.OrderLine)
		wantCode validation.Code
	}{
		{
			name:    "zero quantity",
			channel: models.Channel{FulfillmentAutoApprove: true},
			mutate: func(in *CreateInput, _ []models.OrderLine) {
				in.Lines[0].Stocks[0].Quantity = 0
			},
			wantCode: validation.CodeZeroQuantity,
		},
		{
			name:    "duplicated warehouse",
			channel: models.Channel{FulfillmentAutoApprove: true},
			mutate: func(in *CreateInput, _ []models.OrderLine) {
				in.Lines[0].Stocks = append(in.Lines[0].Stocks, in.Lines[0].Stocks[0])
			},
			wantCode: validation.CodeDuplicatedInputItem,
		},
		{
			name:    "unknown line",
			channel: models.Channel{FulfillmentAutoApprove: true},
			mutate: func(in *CreateInput, _ []models.OrderLine) {
				in.Lines[0].OrderLineID = uuid.New()
			},
			wantCode: validation.CodeNotFound,
		},
		{
			name:    "more than unfulfilled",
			channel: models.Channel{FulfillmentAutoApprove: true},
			mutate: func(in *CreateInput, _ []models.OrderLine) {
				in.Lines[0].Stocks[0].Quantity = 4
			},
			wantCode: validation.CodeFulfillOrderLine,
		},
		{
			name:     "unpaid with auto approve",
			channel:  models.Channel{FulfillmentAutoApprove: true},
			unpaid:   true,
			mutate:   func(*CreateInput, []models.OrderLine) {},
			wantCode: validation.CodeCannotFulfillUnpaidOrder,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.channel)
			variant := uuid.New()
			f.stock(variant, f.warehouse, 10)
			order, lines := f.paidOrder(t, line(variant, 3, "10.00"))
			if tt.unpaid {
				order.TotalCharged = money.Zero("USD")
				order.ChargeStatus = models.ChargeNone
				f.store.PutOrder(order)
			}

			in := f.fulfillAll(lines)
			tt.mutate(&in, lines)
			_, err := f.engine.CreateFulfillments(context.Background(), in)
			list, ok := validation.AsErrors(err)
			require.True(t, ok, "expected validation errors, got %v", err)
			assert.True(t, list.HasCode(tt.wantCode), "got %v", list)
			assert.Empty(t, f.store.Fulfillments(order.ID))
		})
	}
}

func TestCreateFulfillmentsRejectsClosedOrders(t *testing.T) {
	t.Parallel()

	for _, status := range []models.OrderStatus{models.StatusDraft, models.StatusUnconfirmed, models.StatusCanceled, models.StatusExpired} {
		status := status
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
			variant := uuid.New()
			f.stock(variant, f.warehouse, 10)
			order, lines := f.paidOrder(t, line(variant, 1, "10.00"))
			order.Status = status
			f.store.PutOrder(order)

			_, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
			assert.ErrorIs(t, err, validation.ErrInvalidTransition)
		})
	}
}

func TestCreateFulfillmentsConsumesOwnAllocation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	variant := uuid.New()
	stock := f.store.PutStock(models.Stock{VariantID: variant, WarehouseID: f.warehouse, Quantity: 3, QuantityAllocated: 3})
	_, lines := f.paidOrder(t, line(variant, 3, "10.00"))
	f.store.PutAllocation(models.Allocation{OrderLineID: lines[0].ID, StockID: stock.ID, QuantityAllocated: 3})

	_, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)

	got, _ := f.store.Stock(stock.ID)
	assert.Zero(t, got.Quantity)
	assert.Zero(t, got.QuantityAllocated)
	assert.Empty(t, f.store.Allocations(lines[0].ID))
}

func TestCreateFulfillmentsPreorder(t *testing.T) {
	t.Parallel()

	variant := uuid.New()
	tests := []struct {
		name    string
		channel models.Channel
		wantErr bool
	}{
		{name: "requires auto approve", channel: models.Channel{}, wantErr: true},
		{name: "over threshold", channel: models.Channel{FulfillmentAutoApprove: true, PreorderThresholds: map[uuid.UUID]int{variant: 1}}, wantErr: true},
		{name: "within threshold", channel: models.Channel{FulfillmentAutoApprove: true, PreorderThresholds: map[uuid.UUID]int{variant: 5}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.channel)
			f.stock(variant, f.warehouse, 10)
			l := line(variant, 2, "10.00")
			l.IsPreorder = true
			_, lines := f.paidOrder(t, l)

			_, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			list, ok := validation.AsErrors(err)
			require.True(t, ok, "got %v", err)
			assert.True(t, list.HasCode(validation.CodeFulfillOrderLine))
		})
	}
}

func TestCreateFulfillmentsAssignsDistinctSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	variant := uuid.New()
	f.stock(variant, f.warehouse, 100)
	order, lines := f.paidOrder(t, line(variant, 8, "1.00"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CreateFulfillments(context.Background(), CreateInput{
				OrderID: order.ID,
				Actor:   f.staff,
				Lines:   []LineInput{{OrderLineID: lines[0].ID, Stocks: []StockInput{{WarehouseID: f.warehouse, Quantity: 1}}}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var sequence []int
	for _, ff := range f.store.Fulfillments(order.ID) {
		sequence = append(sequence, ff.FulfillmentOrder)
	}
	sort.Ints(sequence)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, sequence)
	got, _ := f.store.Order(order.ID)
	assert.Equal(t, models.StatusFulfilled, got.Status)
}

func TestApproveFulfillment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{})
	variant := uuid.New()
	stock := f.stock(variant, f.warehouse, 5)
	order, lines := f.paidOrder(t, line(variant, 3, "10.00"))

	created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)
	waiting := created.Fulfillments[0]
	assert.Equal(t, models.FulfillmentWaitingForApproval, waiting.Status)
	assert.Equal(t, models.StatusPartiallyFulfilled, created.Order.Status)
	untouched, _ := f.store.Stock(stock.ID)
	assert.Equal(t, 5, untouched.Quantity, "waiting fulfillments do not move stock")
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventFulfillmentAwaitsApproval), 1)

	approved, err := f.engine.ApproveFulfillment(context.Background(), ApproveInput{FulfillmentID: waiting.ID, Actor: f.staff})
	require.NoError(t, err)
	assert.Equal(t, models.FulfillmentFulfilled, approved.Fulfillment.Status)
	assert.Equal(t, models.StatusFulfilled, approved.Order.Status)
	deducted, _ := f.store.Stock(stock.ID)
	assert.Equal(t, 2, deducted.Quantity)
	assert.Len(t, f.listener.fulfillments[notify.EventFulfillmentApproved], 1)

	_, err = f.engine.ApproveFulfillment(context.Background(), ApproveInput{FulfillmentID: waiting.ID, Actor: f.staff})
	assert.ErrorIs(t, err, validation.ErrInvalidTransition)
}

func TestApproveFulfillmentIsAtomicOnShortage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{})
	v1, v2 := uuid.New(), uuid.New()
	plenty := f.stock(v1, f.warehouse, 10)
	f.stock(v2, f.warehouse, 10)
	_, lines := f.paidOrder(t, line(v1, 2, "10.00"), line(v2, 4, "10.00"))

	created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)

	short, _ := f.store.StockFor(v2, f.warehouse)
	short.Quantity = 1
	f.store.PutStock(short)

	_, err = f.engine.ApproveFulfillment(context.Background(), ApproveInput{FulfillmentID: created.Fulfillments[0].ID, Actor: f.staff})
	var stockErr *validation.InsufficientStockError
	require.True(t, errors.As(err, &stockErr), "got %v", err)
	require.Len(t, stockErr.Items, 1)
	assert.Equal(t, lines[1].ID, stockErr.Items[0].OrderLineID)
	assert.Equal(t, 1, stockErr.Items[0].Available)

	got, _ := f.store.Stock(plenty.ID)
	assert.Equal(t, 10, got.Quantity)
	assert.Equal(t, models.FulfillmentWaitingForApproval, f.store.Fulfillments(created.Order.ID)[0].Status)
}

func TestApproveFulfillmentRequiresPayment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{})
	variant := uuid.New()
	f.stock(variant, f.warehouse, 5)
	order, lines := f.paidOrder(t, line(variant, 1, "10.00"))
	order.TotalCharged = money.Zero("USD")
	order.ChargeStatus = models.ChargeNone
	f.store.PutOrder(order)

	created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err, "unpaid orders may wait for approval")

	_, err = f.engine.ApproveFulfillment(context.Background(), ApproveInput{FulfillmentID: created.Fulfillments[0].ID, Actor: f.staff})
	list, ok := validation.AsErrors(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, list.HasCode(validation.CodeCannotFulfillUnpaidOrder))
}

func TestCancelFulfilledRestocksTargetWarehouse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	variant := uuid.New()
	f.stock(variant, f.warehouse, 3)
	returnWarehouse := uuid.New()
	target := f.stock(variant, returnWarehouse, 5)
	order, lines := f.paidOrder(t, line(variant, 3, "10.00"))

	created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)
	require.Equal(t, models.StatusFulfilled, created.Order.Status)

	result, err := f.engine.CancelFulfillment(context.Background(), CancelInput{
		FulfillmentID: created.Fulfillments[0].ID,
		Actor:         f.staff,
		Target:        CancelRestock{WarehouseID: returnWarehouse},
	})
	require.NoError(t, err)

	got, _ := f.store.Stock(target.ID)
	assert.Equal(t, 8, got.Quantity)
	l, _ := f.store.Line(lines[0].ID)
	assert.Zero(t, l.QuantityFulfilled)
	assert.Equal(t, models.StatusUnfulfilled, result.Order.Status)
	assert.Equal(t, models.FulfillmentCanceled, result.Fulfillment.Status)

	restocked := eventsOfType(f.store.Events(order.ID), models.EventFulfillmentRestockedItems)
	require.Len(t, restocked, 1)
	assert.Equal(t, 3, restocked[0].Parameters["quantity"])
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventFulfillmentCanceled), 1)
}

func TestCreateFulfillmentsExceedingStockGoesNegative(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	variant := uuid.New()
	stock := f.stock(variant, f.warehouse, 2)
	_, lines := f.paidOrder(t, line(variant, 5, "10.00"))

	in := f.fulfillAll(lines)
	in.AllowStockToBeExceeded = true
	created, err := f.engine.CreateFulfillments(context.Background(), in)
	require.NoError(t, err)

	got, _ := f.store.Stock(stock.ID)
	assert.Equal(t, -3, got.Quantity)

	_, err = f.engine.CancelFulfillment(context.Background(), CancelInput{
		FulfillmentID: created.Fulfillments[0].ID,
		Actor:         f.staff,
		Target:        CancelRestock{WarehouseID: f.warehouse},
	})
	require.NoError(t, err)

	got, _ = f.store.Stock(stock.ID)
	assert.Equal(t, 2, got.Quantity)
}

func TestCancelFulfillmentTargets(t *testing.T) {
	t.Parallel()

	t.Run("fulfilled requires warehouse", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
		variant := uuid.New()
		f.stock(variant, f.warehouse, 3)
		_, lines := f.paidOrder(t, line(variant, 1, "10.00"))
		created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
		require.NoError(t, err)

		_, err = f.engine.CancelFulfillment(context.Background(), CancelInput{
			FulfillmentID: created.Fulfillments[0].ID,
			Actor:         f.staff,
			Target:        CancelWaiting{},
		})
		list, ok := validation.AsErrors(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, "warehouseId", list[0].Field)
		assert.Equal(t, validation.CodeRequired, list[0].Code)
	})

	t.Run("waiting ignores warehouse", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, models.Channel{})
		variant := uuid.New()
		stock := f.stock(variant, f.warehouse, 3)
		order, lines := f.paidOrder(t, line(variant, 2, "10.00"))
		created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
		require.NoError(t, err)

		result, err := f.engine.CancelFulfillment(context.Background(), CancelInput{
			FulfillmentID: created.Fulfillments[0].ID,
			Actor:         f.staff,
			Target:        CancelRestock{WarehouseID: uuid.New()},
		})
		require.NoError(t, err)
		assert.Zero(t, result.Restocked)
		assert.Equal(t, models.StatusUnfulfilled, result.Order.Status)
		got, _ := f.store.Stock(stock.ID)
		assert.Equal(t, 3, got.Quantity)
		assert.Empty(t, eventsOfType(f.store.Events(order.ID), models.EventFulfillmentRestockedItems))
	})

	t.Run("canceled cannot be canceled again", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, models.Channel{})
		variant := uuid.New()
		f.stock(variant, f.warehouse, 3)
		_, lines := f.paidOrder(t, line(variant, 1, "10.00"))
		created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
		require.NoError(t, err)
		in := CancelInput{FulfillmentID: created.Fulfillments[0].ID, Actor: f.staff}
		_, err = f.engine.CancelFulfillment(context.Background(), in)
		require.NoError(t, err)

		_, err = f.engine.CancelFulfillment(context.Background(), in)
		list, ok := validation.AsErrors(err)
		require.True(t, ok, "got %v", err)
		assert.True(t, list.HasCode(validation.CodeCannotCancelFulfillment))
	})
}

func TestGiftCardsIssuedOncePerUnit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{})
	variant := uuid.New()
	f.stock(variant, f.warehouse, 10)
	gift := line(variant, 2, "25.00")
	gift.IsGiftCard = true
	gift.IsShippingRequired = false
	_, lines := f.paidOrder(t, gift)

	created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)
	assert.Empty(t, created.GiftCards, "waiting fulfillments issue no cards")

	approved, err := f.engine.ApproveFulfillment(context.Background(), ApproveInput{FulfillmentID: created.Fulfillments[0].ID, Actor: f.staff})
	require.NoError(t, err)
	require.Len(t, approved.GiftCards, 2)
	assert.True(t, decimal.NewFromInt(25).Equal(approved.GiftCards[0].InitialBalance))
	assert.Len(t, f.store.GiftCards(), 2)
	require.Len(t, f.listener.giftCards, 1)
	assert.Equal(t, []string{"GIFT-001", "GIFT-002"}, f.listener.giftCards[0].Codes)

	_, err = f.engine.CancelFulfillment(context.Background(), CancelInput{
		FulfillmentID: created.Fulfillments[0].ID,
		Actor:         f.staff,
		Target:        CancelRestock{WarehouseID: f.warehouse},
	})
	list, ok := validation.AsErrors(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, list.HasCode(validation.CodeCannotCancelFulfillment))
}

func TestUpdateTracking(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	variant := uuid.New()
	f.stock(variant, f.warehouse, 3)
	order, lines := f.paidOrder(t, line(variant, 1, "10.00"))
	created, err := f.engine.CreateFulfillments(context.Background(), f.fulfillAll(lines))
	require.NoError(t, err)

	updated, err := f.engine.UpdateTracking(context.Background(), created.Fulfillments[0].ID, f.staff, "TRACK-9", true)
	require.NoError(t, err)
	assert.Equal(t, "TRACK-9", updated.TrackingNumber)
	assert.Equal(t, "TRACK-9", f.store.Fulfillments(order.ID)[0].TrackingNumber)
	assert.Len(t, eventsOfType(f.store.Events(order.ID), models.EventTrackingUpdated), 1)
}

func TestActorIsRequired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.Channel{FulfillmentAutoApprove: true})
	variant := uuid.New()
	f.stock(variant, f.warehouse, 3)
	_, lines := f.paidOrder(t, line(variant, 1, "10.00"))
	in := f.fulfillAll(lines)
	in.Actor = models.Actor{}

	_, err := f.engine.CreateFulfillments(context.Background(), in)
	assert.ErrorIs(t, err, validation.ErrValidation)
}
