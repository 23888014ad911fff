package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/store/memory"
)

type recorder struct {
	notify.Nop
	mu           sync.Mutex
	updated      []uuid.UUID
	fulfilled    []uuid.UUID
	fulfillments map[notify.Event][]notify.FulfillmentNotice
	giftCards    []notify.GiftCardNotice
}

func newRecorder() *recorder {
	return &recorder{fulfillments: map[notify.Event][]notify.FulfillmentNotice{}}
}

func (r *recorder) OrderUpdated(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, ids...)
	return nil
}

func (r *recorder) OrderFulfilled(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfilled = append(r.fulfilled, ids...)
	return nil
}

func (r *recorder) record(event notify.Event, n notify.FulfillmentNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfillments[event] = append(r.fulfillments[event], n)
	return nil
}

func (r *recorder) FulfillmentCreated(_ context.Context, n notify.FulfillmentNotice) error {
	return r.record(notify.EventFulfillmentCreated, n)
}

func (r *recorder) FulfillmentApproved(_ context.Context, n notify.FulfillmentNotice) error {
	return r.record(notify.EventFulfillmentApproved, n)
}

func (r *recorder) FulfillmentCanceled(_ context.Context, n notify.FulfillmentNotice) error {
	return r.record(notify.EventFulfillmentCanceled, n)
}

func (r *recorder) GiftCardsIssued(_ context.Context, n notify.GiftCardNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.giftCards = append(r.giftCards, n)
	return nil
}

type fixture struct {
	store     *memory.Store
	engine    *Engine
	listener  *recorder
	channel   models.Channel
	warehouse uuid.UUID
	staff     models.Actor
}

func newFixture(t *testing.T, channel models.Channel) *fixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := memory.New(memory.WithClock(clock))
	if channel.Currency == "" {
		channel.Currency = "USD"
	}
	channel = s.PutChannel(channel)

	listener := newRecorder()
	var seq atomic.Int64
	engine, err := New(Deps{
		Store:    s,
		Notifier: notify.NewNotifier(listener, 0, nil),
		Clock:    clock,
		CodeGen:  func() string { return fmt.Sprintf("GIFT-%03d", seq.Add(1)) },
	})
	require.NoError(t, err)

	return &fixture{
		store:     s,
		engine:    engine,
		listener:  listener,
		channel:   channel,
		warehouse: uuid.New(),
		staff:     models.UserActor(uuid.New()),
	}
}

func line(variantID uuid.UUID, quantity int, unit string) models.OrderLine {
	price := money.MustParseTaxed(unit, unit, "USD")
	return models.OrderLine{
		VariantID:              &variantID,
		ProductName:            "Product",
		Quantity:               quantity,
		UnitPrice:              price,
		UndiscountedUnitPrice:  price,
		TotalPrice:             price.Mul(quantity),
		UndiscountedTotalPrice: price.Mul(quantity),
		IsShippingRequired:     true,
	}
}

// paidOrder stores an unfulfilled order whose total is fully captured.
func (f *fixture) paidOrder(t *testing.T, lines ...models.OrderLine) (models.Order, []models.OrderLine) {
	t.Helper()

	subtotal, err := money.Sum("USD", lineTotals(lines)...)
	require.NoError(t, err)
	order, stored := f.store.PutOrder(models.Order{
		ChannelID:         f.channel.ID,
		Status:            models.StatusUnfulfilled,
		Origin:            models.OriginCheckout,
		Currency:          "USD",
		Subtotal:          subtotal,
		Total:             subtotal,
		UndiscountedTotal: subtotal,
		ShippingPrice:     money.ZeroTaxed("USD"),
		TotalCharged:      subtotal.Gross,
		ChargeStatus:      models.ChargeFull,
		UserEmail:         "buyer@example.com",
	}, lines...)
	return order, stored
}

func lineTotals(lines []models.OrderLine) []money.TaxedMoney {
	out := make([]money.TaxedMoney, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.TotalPrice)
	}
	return out
}

func (f *fixture) stock(variantID, warehouseID uuid.UUID, quantity int) models.Stock {
	return f.store.PutStock(models.Stock{VariantID: variantID, WarehouseID: warehouseID, Quantity: quantity})
}

func (f *fixture) fulfillAll(orderLines []models.OrderLine) CreateInput {
	in := CreateInput{OrderID: orderLines[0].OrderID, Actor: f.staff}
	for _, l := range orderLines {
		in.Lines = append(in.Lines, LineInput{
			OrderLineID: l.ID,
			Stocks:      []StockInput{{WarehouseID: f.warehouse, Quantity: l.Quantity}},
		})
	}
	return in
}

func eventsOfType(events []models.OrderEvent, eventType models.OrderEventType) []models.OrderEvent {
	var out []models.OrderEvent
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
