// Package fulfillment creates, approves and cancels shipments of order lines
// and keeps stock, line quantities and order status consistent with them.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

type Deps struct {
	Store    store.Store
	Notifier *notify.Notifier
	Clock    func() time.Time
	// CodeGen mints gift card codes. Defaults to ULIDs.
	CodeGen func() string
	Logger  *slog.Logger
}

type Engine struct {
	store    store.Store
	notifier *notify.Notifier
	now      func() time.Time
	codeGen  func() string
	logger   *slog.Logger
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.CodeGen == nil {
		deps.CodeGen = func() string { return ulid.Make().String() }
	}
	return &Engine{
		store:    deps.Store,
		notifier: deps.Notifier,
		now:      deps.Clock,
		codeGen:  deps.CodeGen,
		logger:   deps.Logger,
	}, nil
}

func (e *Engine) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, e.logger)
}

// lockOrder locks the order row, mapping a missing order to a NOT_FOUND
// validation error on field.
func lockOrder(ctx context.Context, tx store.Tx, id uuid.UUID, field string) (*models.Order, error) {
	order, err := tx.LockOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validation.New(field, validation.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// lockFulfillment resolves the owning order, locks it, then locks the order's
// fulfillments and returns the requested one.
func lockFulfillment(ctx context.Context, tx store.Tx, fulfillmentID uuid.UUID) (*models.Order, []models.Fulfillment, int, error) {
	orderID, err := tx.FulfillmentOrderID(ctx, fulfillmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, 0, validation.New("id", validation.CodeNotFound, "fulfillment not found")
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to resolve fulfillment order: %w", err)
	}
	order, err := lockOrder(ctx, tx, orderID, "id")
	if err != nil {
		return nil, nil, 0, err
	}
	fulfillments, err := tx.LockFulfillments(ctx, order.ID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to lock fulfillments: %w", err)
	}
	for i := range fulfillments {
		if fulfillments[i].ID == fulfillmentID {
			return order, fulfillments, i, nil
		}
	}
	return nil, nil, 0, validation.New("id", validation.CodeNotFound, "fulfillment not found")
}

// syncOrder re-derives the order status from quantities and persists it.
func (e *Engine) syncOrder(ctx context.Context, tx store.Tx, order *models.Order, lines []models.OrderLine, fulfillments []models.Fulfillment) error {
	synced, err := orders.SyncStatus(*order, lines, fulfillments, e.now())
	if err != nil {
		return validation.New("status", validation.CodeInvalidTransition, err.Error())
	}
	if err := tx.UpdateOrders(ctx, []models.Order{synced}); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	*order = synced
	return nil
}

func orderNotice(q *notify.Queue, order models.Order) {
	if order.Status == models.StatusFulfilled {
		q.Order(notify.EventOrderFulfilled, order.ID)
		return
	}
	q.Order(notify.EventOrderUpdated, order.ID)
}

func fulfillmentNotice(order models.Order, f models.Fulfillment, notifyCustomer bool) notify.FulfillmentNotice {
	return notify.FulfillmentNotice{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		FulfillmentID:  f.ID,
		ComposedID:     f.ComposedID(order.Number),
		TrackingNumber: f.TrackingNumber,
		CustomerEmail:  order.UserEmail,
		NotifyCustomer: notifyCustomer,
	}
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

func lineIndex(lines []models.OrderLine) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(lines))
	for i, line := range lines {
		out[line.ID] = i
	}
	return out
}

// unfulfillable statuses reject new fulfillments outright.
var unfulfillable = map[models.OrderStatus]struct{}{
	models.StatusDraft:       {},
	models.StatusUnconfirmed: {},
	models.StatusCanceled:    {},
	models.StatusExpired:     {},
}
