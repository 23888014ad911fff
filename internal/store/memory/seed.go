package memory

import (
	"sort"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
)

// The Put* helpers seed rows owned by collaborators outside the engine
// (channels, stock, payments). Read helpers return committed copies.

func (s *Store) PutChannel(c models.Channel) models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = newID(c.ID)
	s.state.channels[c.ID] = c
	return c
}

// PutOrder stores the order with its lines, assigning a number when unset.
func (s *Store) PutOrder(o models.Order, lines ...models.OrderLine) (models.Order, []models.OrderLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = newID(o.ID)
	if o.Number == 0 {
		s.state.lastNumber++
		o.Number = s.state.lastNumber
	} else if o.Number > s.state.lastNumber {
		s.state.lastNumber = o.Number
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.state.orders[o.ID] = o
	for i := range lines {
		lines[i].ID = newID(lines[i].ID)
		lines[i].OrderID = o.ID
		if lines[i].CreatedAt.IsZero() {
			lines[i].CreatedAt = o.CreatedAt
		}
		s.state.lines[lines[i].ID] = lines[i]
	}
	return o, lines
}

func (s *Store) PutStock(st models.Stock) models.Stock {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = newID(st.ID)
	s.state.stocks[st.ID] = st
	return st
}

func (s *Store) PutAllocation(a models.Allocation) models.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = newID(a.ID)
	s.state.allocations[a.ID] = a
	return a
}

func (s *Store) PutPayment(p models.Payment) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = newID(p.ID)
	s.state.payments[p.ID] = p
	return p
}

func (s *Store) PutGrantedRefund(g models.GrantedRefund) models.GrantedRefund {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ID = newID(g.ID)
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	s.state.grants[g.ID] = cloneGrant(g)
	return g
}

func (s *Store) PutFulfillment(f models.Fulfillment) models.Fulfillment {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = newID(f.ID)
	for i := range f.Lines {
		f.Lines[i].ID = newID(f.Lines[i].ID)
		f.Lines[i].FulfillmentID = f.ID
	}
	s.state.fulfillments[f.ID] = cloneFulfillment(f)
	return f
}

func (s *Store) PutVoucherCode(v models.VoucherCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.vouchers[v.Code] = v
}

func (s *Store) Order(id uuid.UUID) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[id]
	return o, ok
}

func (s *Store) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Order, 0, len(s.state.orders))
	for _, o := range s.state.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *Store) Line(id uuid.UUID) (models.OrderLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.state.lines[id]
	return l, ok
}

func (s *Store) Lines(orderID uuid.UUID) []models.OrderLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderLine
	for _, l := range s.state.lines {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	sortLines(out)
	return out
}

func (s *Store) Fulfillments(orderID uuid.UUID) []models.Fulfillment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Fulfillment
	for _, f := range s.state.fulfillments {
		if f.OrderID == orderID {
			out = append(out, cloneFulfillment(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FulfillmentOrder < out[j].FulfillmentOrder })
	return out
}

func (s *Store) Stock(id uuid.UUID) (models.Stock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.stocks[id]
	return st, ok
}

func (s *Store) StockFor(variantID, warehouseID uuid.UUID) (models.Stock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.state.stocks {
		if st.VariantID == variantID && st.WarehouseID == warehouseID {
			return st, true
		}
	}
	return models.Stock{}, false
}

func (s *Store) Allocations(orderLineID uuid.UUID) []models.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Allocation
	for _, a := range s.state.allocations {
		if a.OrderLineID == orderLineID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Payment(id uuid.UUID) (models.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.payments[id]
	return p, ok
}

func (s *Store) GrantedRefunds(orderID uuid.UUID) []models.GrantedRefund {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GrantedRefund
	for _, g := range s.state.grants {
		if g.OrderID == orderID {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Events(orderID uuid.UUID) []models.OrderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderEvent
	for _, e := range s.state.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) GiftCards() []models.GiftCard {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.GiftCard, 0, len(s.state.giftCards))
	for _, c := range s.state.giftCards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *Store) VoucherCode(code string) (models.VoucherCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.vouchers[code]
	return v, ok
}
