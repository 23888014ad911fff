// Package refunds records refund grants and returns against orders and moves
// the money back through the payment gateway once the ledger is committed.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/payments"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

type Deps struct {
	Store    store.Store
	Gateway  payments.Gateway
	Notifier *notify.Notifier
	Clock    func() time.Time
	Logger   *slog.Logger
}

type Engine struct {
	store    store.Store
	gateway  payments.Gateway
	notifier *notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("payment gateway is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		store:    deps.Store,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		now:      deps.Clock,
		logger:   deps.Logger,
	}, nil
}

func (e *Engine) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, e.logger)
}

func lockOrder(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Order, error) {
	order, err := tx.LockOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validation.New("id", validation.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// snapshot is everything a refund or return reads under the order lock.
type snapshot struct {
	order        *models.Order
	channel      *models.Channel
	lines        []models.OrderLine
	fulfillments []models.Fulfillment
	payments     []models.Payment
	grants       []models.GrantedRefund
}

func loadSnapshot(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*snapshot, error) {
	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsOpen() {
		return nil, validation.New("id", validation.CodeInvalidTransition,
			fmt.Sprintf("order in status %s cannot be refunded", order.Status))
	}

	s := &snapshot{order: order}
	if s.channel, err = tx.GetChannel(ctx, order.ChannelID); err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if s.lines, err = tx.LockOrderLines(ctx, order.ID); err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	if s.fulfillments, err = tx.LockFulfillments(ctx, order.ID); err != nil {
		return nil, fmt.Errorf("failed to lock fulfillments: %w", err)
	}
	if s.payments, err = tx.ListPayments(ctx, order.ID); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if s.grants, err = tx.ListGrantedRefunds(ctx, order.ID); err != nil {
		return nil, fmt.Errorf("failed to list granted refunds: %w", err)
	}
	return s, nil
}

// syncOrder re-derives status and charge data and persists the order.
func (e *Engine) syncOrder(ctx context.Context, tx store.Tx, s *snapshot) error {
	synced, err := orders.SyncStatus(*s.order, s.lines, s.fulfillments, e.now())
	if err != nil {
		return validation.New("status", validation.CodeInvalidTransition, err.Error())
	}
	synced = orders.UpdateChargeData(synced, s.payments, models.GrantedTotal(s.grants))
	if err := tx.UpdateOrders(ctx, []models.Order{synced}); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	*s.order = synced
	return nil
}

func activePayments(all []models.Payment) []models.Payment {
	var out []models.Payment
	for _, p := range all {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

func nextFulfillmentOrder(existing []models.Fulfillment) int {
	highest := 0
	for _, f := range existing {
		if f.FulfillmentOrder > highest {
			highest = f.FulfillmentOrder
		}
	}
	return highest + 1
}
