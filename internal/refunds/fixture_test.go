package refunds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/payments"
	"github.com/gitshopapp/fulfillment/internal/store/memory"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []payments.RefundRequest
	fail     map[uuid.UUID]bool
}

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) (*payments.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.fail[req.Payment.ID] {
		return nil, &payments.GatewayError{Gateway: "fake", Code: "card_declined", Err: errors.New("declined")}
	}
	return &payments.Refund{Reference: "re_" + req.Payment.ID.String()[:8], Amount: req.Amount}, nil
}

type orderRecorder struct {
	notify.Nop
	mu       sync.Mutex
	updated  []uuid.UUID
	refunded []uuid.UUID
	drafts   []uuid.UUID
}

func (r *orderRecorder) OrderUpdated(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, ids...)
	return nil
}

func (r *orderRecorder) OrderRefunded(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunded = append(r.refunded, ids...)
	return nil
}

func (r *orderRecorder) DraftOrderCreated(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, ids...)
	return nil
}

type fixture struct {
	store    *memory.Store
	engine   *Engine
	gateway  *fakeGateway
	listener *orderRecorder
	channel  models.Channel
	staff    models.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := memory.New(memory.WithClock(clock))
	channel := s.PutChannel(models.Channel{Slug: "default", Currency: "USD"})
	gateway := &fakeGateway{fail: map[uuid.UUID]bool{}}
	listener := &orderRecorder{}

	engine, err := New(Deps{
		Store:    s,
		Gateway:  gateway,
		Notifier: notify.NewNotifier(listener, 0, nil),
		Clock:    clock,
	})
	require.NoError(t, err)

	return &fixture{
		store:    s,
		engine:   engine,
		gateway:  gateway,
		listener: listener,
		channel:  channel,
		staff:    models.UserActor(uuid.New()),
	}
}

// shippedOrder stores a fulfilled order of one line at unit price with 5.00
// shipping, one fulfilled fulfillment covering the line, and one payment
// capturing the total.
func (f *fixture) shippedOrder(t *testing.T, quantity int, unit string) (models.Order, models.OrderLine, models.Fulfillment, models.Payment) {
	t.Helper()

	variant := uuid.New()
	price := money.MustParseTaxed(unit, unit, "USD")
	line := models.OrderLine{
		VariantID:              &variant,
		ProductName:            "Shirt",
		Quantity:               quantity,
		QuantityFulfilled:      quantity,
		UnitPrice:              price,
		UndiscountedUnitPrice:  price,
		TotalPrice:             price.Mul(quantity),
		UndiscountedTotalPrice: price.Mul(quantity),
		IsShippingRequired:     true,
	}
	shipping := money.MustParseTaxed("5.00", "5.00", "USD")
	total, err := price.Mul(quantity).Add(shipping)
	require.NoError(t, err)

	order, lines := f.store.PutOrder(models.Order{
		ChannelID:                 f.channel.ID,
		Status:                    models.StatusFulfilled,
		Origin:                    models.OriginCheckout,
		Currency:                  "USD",
		Subtotal:                  price.Mul(quantity),
		Total:                     total,
		UndiscountedTotal:         total,
		ShippingPrice:             shipping,
		UndiscountedShippingPrice: shipping,
		TotalCharged:              total.Gross,
		ChargeStatus:              models.ChargeFull,
		AuthorizeStatus:           models.AuthorizeFull,
		UserEmail:                 "buyer@example.com",
	}, line)

	stockID := uuid.New()
	fulfillment := f.store.PutFulfillment(models.Fulfillment{
		OrderID:          order.ID,
		FulfillmentOrder: 1,
		Status:           models.FulfillmentFulfilled,
		Lines:            []models.FulfillmentLine{{OrderLineID: lines[0].ID, StockID: &stockID, Quantity: quantity}},
	})
	payment := f.store.PutPayment(models.Payment{
		OrderID:  order.ID,
		Gateway:  "fake",
		Token:    "pi_123",
		IsActive: true,
		Captured: total.Gross,
		Refunded: money.Zero("USD"),
	})
	return order, lines[0], fulfillment, payment
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

func fulfillmentsWithStatus(all []models.Fulfillment, status models.FulfillmentStatus) []models.Fulfillment {
	var out []models.Fulfillment
	for _, f := range all {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out
}
