// Package store defines the transactional persistence contract used by the
// fulfillment, refund and repair engines.
//
// Every mutating operation runs inside Store.InTx. Lock* methods take row
// locks (SELECT ... FOR UPDATE) that are held until the transaction ends.
// Callers lock the order first, then its lines, fulfillments and finally
// stock rows, which are always locked in id order.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	// InTx runs fn in a transaction. It commits when fn returns nil and rolls
	// back otherwise. Hooks registered with Tx.OnCommit run after commit.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// StockKey addresses a stock row by variant and warehouse.
type StockKey struct {
	VariantID   uuid.UUID
	WarehouseID uuid.UUID
}

// Page bounds a repair scan. Rows are returned in key order strictly after
// the cursor values.
type Page struct {
	AfterID   uuid.UUID
	AfterTime time.Time
	Limit     int
}

type Tx interface {
	OnCommit(fn func(ctx context.Context))

	OrderTx
	FulfillmentTx
	StockTx
	PaymentTx
	RepairTx
}

type OrderTx interface {
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrders(ctx context.Context, orders []models.Order) error
	DeleteOrders(ctx context.Context, ids []uuid.UUID) error
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)

	LockOrderLines(ctx context.Context, orderID uuid.UUID) ([]models.OrderLine, error)
	LinesForOrders(ctx context.Context, orderIDs []uuid.UUID) ([]models.OrderLine, error)
	CreateOrderLines(ctx context.Context, lines []models.OrderLine) error
	UpdateOrderLines(ctx context.Context, lines []models.OrderLine) error
	DeleteOrderLines(ctx context.Context, ids []uuid.UUID) error

	AddEvents(ctx context.Context, events ...models.OrderEvent) error
	ListEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error)

	LockVoucherCodes(ctx context.Context, codes []string) ([]models.VoucherCode, error)
	UpdateVoucherCodes(ctx context.Context, codes []models.VoucherCode) error
}

type FulfillmentTx interface {
	// FulfillmentOrderID resolves the owning order without locking so the
	// caller can lock the order before the fulfillment set.
	FulfillmentOrderID(ctx context.Context, fulfillmentID uuid.UUID) (uuid.UUID, error)
	// LockFulfillments locks every fulfillment of the order with its lines.
	LockFulfillments(ctx context.Context, orderID uuid.UUID) ([]models.Fulfillment, error)
	// CreateFulfillment inserts the fulfillment and its lines, assigning ids.
	CreateFulfillment(ctx context.Context, fulfillment *models.Fulfillment) error
	UpdateFulfillment(ctx context.Context, fulfillment *models.Fulfillment) error
	DeleteFulfillments(ctx context.Context, ids []uuid.UUID) error
	UpdateFulfillmentLines(ctx context.Context, lines []models.FulfillmentLine) error
	DeleteFulfillmentLines(ctx context.Context, ids []uuid.UUID) error

	ListGiftCards(ctx context.Context, fulfillmentLineIDs []uuid.UUID) ([]models.GiftCard, error)
	CreateGiftCards(ctx context.Context, cards []models.GiftCard) error
}

type StockTx interface {
	LockStocks(ctx context.Context, keys []StockKey) ([]models.Stock, error)
	LockStocksByID(ctx context.Context, ids []uuid.UUID) ([]models.Stock, error)
	CreateStock(ctx context.Context, stock *models.Stock) error
	UpdateStocks(ctx context.Context, stocks []models.Stock) error

	ListAllocations(ctx context.Context, orderLineIDs []uuid.UUID) ([]models.Allocation, error)
	// SaveAllocations inserts allocations with a nil id and updates the rest.
	SaveAllocations(ctx context.Context, allocations []models.Allocation) error
	DeleteAllocations(ctx context.Context, ids []uuid.UUID) error
}

type PaymentTx interface {
	ListPayments(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error

	ListGrantedRefunds(ctx context.Context, orderID uuid.UUID) ([]models.GrantedRefund, error)
	CreateGrantedRefund(ctx context.Context, grant *models.GrantedRefund) error
	UpdateGrantedRefundStatus(ctx context.Context, id uuid.UUID, status models.GrantedRefundStatus) error
	GrantedRefundTotals(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
}

// RepairTx holds the locked candidate scans used by the batch repairers.
// Every scan skips rows locked by concurrent transactions.
type RepairTx interface {
	// LockDriftedLines returns lines whose total or undiscounted total is not
	// unit price times quantity rounded to the currency's minor unit, ordered
	// by id.
	LockDriftedLines(ctx context.Context, page Page) ([]models.OrderLine, error)
	// LockOrdersWithVoucherLines returns orders owning at least one line with
	// a voucher code, ordered by id.
	LockOrdersWithVoucherLines(ctx context.Context, page Page) ([]models.Order, error)
	// LockOrdersWithGrantedRefunds returns orders with at least one granted
	// refund, ordered by id.
	LockOrdersWithGrantedRefunds(ctx context.Context, page Page) ([]models.Order, error)
	// LockExpirableOrders returns unconfirmed orders of the channel created
	// before cutoff that have no active payment with funds.
	LockExpirableOrders(ctx context.Context, channelID uuid.UUID, cutoff time.Time, limit int) ([]models.Order, error)
	// LockExpiredOrders returns expired orders of the channel with expired_at
	// before cutoff.
	LockExpiredOrders(ctx context.Context, channelID uuid.UUID, cutoff time.Time, limit int) ([]models.Order, error)
	// LockOrdersByNumber returns orders with from <= number < to.
	LockOrdersByNumber(ctx context.Context, from, to int64) ([]models.Order, error)
	MaxOrderNumber(ctx context.Context) (int64, error)
	// LockDraftOrdersWithDuplicateGifts returns draft orders with more than
	// one gift line ordered by (created_at, id) after the page cursor.
	LockDraftOrdersWithDuplicateGifts(ctx context.Context, page Page) ([]models.Order, error)
}
