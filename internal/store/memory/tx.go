package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// Tx is the working copy of one transaction. Row locks are implicit: the
// store mutex is held for the whole transaction.
type Tx struct {
	st    *state
	now   func() time.Time
	hooks []func(ctx context.Context)
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) OnCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, store.ErrNotFound)
}

func (t *Tx) LockOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	order, ok := t.st.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return &order, nil
}

func (t *Tx) CreateOrder(_ context.Context, order *models.Order) error {
	order.ID = newID(order.ID)
	t.st.lastNumber++
	order.Number = t.st.lastNumber
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.now()
	}
	order.UpdatedAt = order.CreatedAt
	t.st.orders[order.ID] = *order
	return nil
}

func (t *Tx) UpdateOrders(_ context.Context, orders []models.Order) error {
	for _, order := range orders {
		if _, ok := t.st.orders[order.ID]; !ok {
			return notFound("order", order.ID)
		}
		order.UpdatedAt = t.now()
		t.st.orders[order.ID] = order
	}
	return nil
}

// DeleteOrders removes orders and everything they own.
func (t *Tx) DeleteOrders(_ context.Context, ids []uuid.UUID) error {
	doomed := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
		delete(t.st.orders, id)
	}
	for id, line := range t.st.lines {
		if _, ok := doomed[line.OrderID]; ok {
			delete(t.st.lines, id)
			for allocID, alloc := range t.st.allocations {
				if alloc.OrderLineID == id {
					delete(t.st.allocations, allocID)
				}
			}
		}
	}
	for id, f := range t.st.fulfillments {
		if _, ok := doomed[f.OrderID]; ok {
			delete(t.st.fulfillments, id)
		}
	}
	for id, p := range t.st.payments {
		if _, ok := doomed[p.OrderID]; ok {
			delete(t.st.payments, id)
		}
	}
	for id, g := range t.st.grants {
		if _, ok := doomed[g.OrderID]; ok {
			delete(t.st.grants, id)
		}
	}
	events := t.st.events[:0]
	for _, e := range t.st.events {
		if _, ok := doomed[e.OrderID]; !ok {
			events = append(events, e)
		}
	}
	t.st.events = events
	return nil
}

func (t *Tx) GetChannel(_ context.Context, id uuid.UUID) (*models.Channel, error) {
	channel, ok := t.st.channels[id]
	if !ok {
		return nil, notFound("channel", id)
	}
	return &channel, nil
}

func (t *Tx) ListChannels(_ context.Context) ([]models.Channel, error) {
	out := make([]models.Channel, 0, len(t.st.channels))
	for _, c := range t.st.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return store.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func (t *Tx) LockOrderLines(ctx context.Context, orderID uuid.UUID) ([]models.OrderLine, error) {
	return t.LinesForOrders(ctx, []uuid.UUID{orderID})
}

func (t *Tx) LinesForOrders(_ context.Context, orderIDs []uuid.UUID) ([]models.OrderLine, error) {
	wanted := idSet(orderIDs)
	var out []models.OrderLine
	for _, line := range t.st.lines {
		if _, ok := wanted[line.OrderID]; ok {
			out = append(out, line)
		}
	}
	sortLines(out)
	return out, nil
}

func (t *Tx) CreateOrderLines(_ context.Context, lines []models.OrderLine) error {
	for i := range lines {
		lines[i].ID = newID(lines[i].ID)
		if lines[i].CreatedAt.IsZero() {
			lines[i].CreatedAt = t.now()
		}
		t.st.lines[lines[i].ID] = lines[i]
	}
	return nil
}

func (t *Tx) UpdateOrderLines(_ context.Context, lines []models.OrderLine) error {
	for _, line := range lines {
		if _, ok := t.st.lines[line.ID]; !ok {
			return notFound("order line", line.ID)
		}
		t.st.lines[line.ID] = line
	}
	return nil
}

func (t *Tx) DeleteOrderLines(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		delete(t.st.lines, id)
	}
	return nil
}

func (t *Tx) AddEvents(_ context.Context, events ...models.OrderEvent) error {
	for _, e := range events {
		e.ID = newID(e.ID)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = t.now()
		}
		t.st.events = append(t.st.events, e)
	}
	return nil
}

func (t *Tx) ListEvents(_ context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	var out []models.OrderEvent
	for _, e := range t.st.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *Tx) LockVoucherCodes(_ context.Context, codes []string) ([]models.VoucherCode, error) {
	var out []models.VoucherCode
	for _, code := range codes {
		if v, ok := t.st.vouchers[code]; ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *Tx) UpdateVoucherCodes(_ context.Context, codes []models.VoucherCode) error {
	for _, v := range codes {
		t.st.vouchers[v.Code] = v
	}
	return nil
}

func (t *Tx) FulfillmentOrderID(_ context.Context, fulfillmentID uuid.UUID) (uuid.UUID, error) {
	f, ok := t.st.fulfillments[fulfillmentID]
	if !ok {
		return uuid.Nil, notFound("fulfillment", fulfillmentID)
	}
	return f.OrderID, nil
}

func (t *Tx) LockFulfillments(_ context.Context, orderID uuid.UUID) ([]models.Fulfillment, error) {
	var out []models.Fulfillment
	for _, f := range t.st.fulfillments {
		if f.OrderID == orderID {
			out = append(out, cloneFulfillment(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FulfillmentOrder < out[j].FulfillmentOrder })
	return out, nil
}

func (t *Tx) CreateFulfillment(_ context.Context, f *models.Fulfillment) error {
	for _, existing := range t.st.fulfillments {
		if existing.OrderID == f.OrderID && existing.FulfillmentOrder == f.FulfillmentOrder {
			return fmt.Errorf("fulfillment order %d already used on order %s", f.FulfillmentOrder, f.OrderID)
		}
	}
	f.ID = newID(f.ID)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = t.now()
	}
	for i := range f.Lines {
		f.Lines[i].ID = newID(f.Lines[i].ID)
		f.Lines[i].FulfillmentID = f.ID
	}
	t.st.fulfillments[f.ID] = cloneFulfillment(*f)
	return nil
}

func (t *Tx) UpdateFulfillment(_ context.Context, f *models.Fulfillment) error {
	existing, ok := t.st.fulfillments[f.ID]
	if !ok {
		return notFound("fulfillment", f.ID)
	}
	existing.Status = f.Status
	existing.TrackingNumber = f.TrackingNumber
	existing.ShippingRefundAmount = f.ShippingRefundAmount
	existing.TotalRefundAmount = f.TotalRefundAmount
	t.st.fulfillments[f.ID] = existing
	return nil
}

func (t *Tx) DeleteFulfillments(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		delete(t.st.fulfillments, id)
	}
	return nil
}

func (t *Tx) UpdateFulfillmentLines(_ context.Context, lines []models.FulfillmentLine) error {
	for _, line := range lines {
		f, ok := t.st.fulfillments[line.FulfillmentID]
		if !ok {
			return notFound("fulfillment", line.FulfillmentID)
		}
		found := false
		for i := range f.Lines {
			if f.Lines[i].ID == line.ID {
				f.Lines[i] = line
				found = true
			}
		}
		if !found {
			return notFound("fulfillment line", line.ID)
		}
		t.st.fulfillments[f.ID] = f
	}
	return nil
}

func (t *Tx) DeleteFulfillmentLines(_ context.Context, ids []uuid.UUID) error {
	doomed := idSet(ids)
	for id, f := range t.st.fulfillments {
		kept := f.Lines[:0]
		for _, line := range f.Lines {
			if _, ok := doomed[line.ID]; !ok {
				kept = append(kept, line)
			}
		}
		f.Lines = kept
		t.st.fulfillments[id] = f
	}
	return nil
}

func (t *Tx) ListGiftCards(_ context.Context, fulfillmentLineIDs []uuid.UUID) ([]models.GiftCard, error) {
	wanted := idSet(fulfillmentLineIDs)
	var out []models.GiftCard
	for _, card := range t.st.giftCards {
		if _, ok := wanted[card.FulfillmentLineID]; ok {
			out = append(out, card)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *Tx) CreateGiftCards(_ context.Context, cards []models.GiftCard) error {
	for i := range cards {
		cards[i].ID = newID(cards[i].ID)
		if cards[i].CreatedAt.IsZero() {
			cards[i].CreatedAt = t.now()
		}
		t.st.giftCards[cards[i].ID] = cards[i]
	}
	return nil
}

func (t *Tx) LockStocks(_ context.Context, keys []store.StockKey) ([]models.Stock, error) {
	wanted := make(map[store.StockKey]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	var out []models.Stock
	for _, s := range t.st.stocks {
		if _, ok := wanted[store.StockKey{VariantID: s.VariantID, WarehouseID: s.WarehouseID}]; ok {
			out = append(out, s)
		}
	}
	store.SortStocks(out)
	return out, nil
}

func (t *Tx) LockStocksByID(_ context.Context, ids []uuid.UUID) ([]models.Stock, error) {
	var out []models.Stock
	for id := range idSet(ids) {
		if s, ok := t.st.stocks[id]; ok {
			out = append(out, s)
		}
	}
	store.SortStocks(out)
	return out, nil
}

func (t *Tx) CreateStock(_ context.Context, s *models.Stock) error {
	for _, existing := range t.st.stocks {
		if existing.VariantID == s.VariantID && existing.WarehouseID == s.WarehouseID {
			return fmt.Errorf("stock for variant %s in warehouse %s already exists", s.VariantID, s.WarehouseID)
		}
	}
	s.ID = newID(s.ID)
	t.st.stocks[s.ID] = *s
	return nil
}

func (t *Tx) UpdateStocks(_ context.Context, stocks []models.Stock) error {
	for _, s := range stocks {
		if _, ok := t.st.stocks[s.ID]; !ok {
			return notFound("stock", s.ID)
		}
		t.st.stocks[s.ID] = s
	}
	return nil
}

func (t *Tx) ListAllocations(_ context.Context, orderLineIDs []uuid.UUID) ([]models.Allocation, error) {
	wanted := idSet(orderLineIDs)
	var out []models.Allocation
	for _, a := range t.st.allocations {
		if _, ok := wanted[a.OrderLineID]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func (t *Tx) SaveAllocations(_ context.Context, allocations []models.Allocation) error {
	for i := range allocations {
		allocations[i].ID = newID(allocations[i].ID)
		t.st.allocations[allocations[i].ID] = allocations[i]
	}
	return nil
}

func (t *Tx) DeleteAllocations(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		delete(t.st.allocations, id)
	}
	return nil
}

func (t *Tx) ListPayments(_ context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range t.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func (t *Tx) UpdatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return notFound("payment", p.ID)
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *Tx) ListGrantedRefunds(_ context.Context, orderID uuid.UUID) ([]models.GrantedRefund, error) {
	var out []models.GrantedRefund
	for _, g := range t.st.grants {
		if g.OrderID == orderID {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *Tx) CreateGrantedRefund(_ context.Context, g *models.GrantedRefund) error {
	g.ID = newID(g.ID)
	if g.CreatedAt.IsZero() {
		g.CreatedAt = t.now()
	}
	for i := range g.Lines {
		g.Lines[i].ID = newID(g.Lines[i].ID)
	}
	t.st.grants[g.ID] = cloneGrant(*g)
	return nil
}

func (t *Tx) UpdateGrantedRefundStatus(_ context.Context, id uuid.UUID, status models.GrantedRefundStatus) error {
	g, ok := t.st.grants[id]
	if !ok {
		return notFound("granted refund", id)
	}
	g.Status = status
	t.st.grants[id] = g
	return nil
}

func (t *Tx) GrantedRefundTotals(_ context.Context, orderIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	wanted := idSet(orderIDs)
	out := make(map[uuid.UUID]decimal.Decimal, len(orderIDs))
	for _, g := range t.st.grants {
		if _, ok := wanted[g.OrderID]; ok {
			out[g.OrderID] = out[g.OrderID].Add(g.Amount)
		}
	}
	return out, nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func sortLines(lines []models.OrderLine) {
	sort.Slice(lines, func(i, j int) bool {
		if !lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].CreatedAt.Before(lines[j].CreatedAt)
		}
		return store.CompareIDs(lines[i].ID, lines[j].ID) < 0
	})
}

