// Package memory is an in-process store.Store. A transaction works on a
// copy of the whole dataset and swaps it in on commit, with a single mutex
// serialising transactions. It backs tests and STORE_PROVIDER=memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
)

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for created_at defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{state: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.run(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{st: s.state.clone(), now: s.now}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	s.state = tx.st
	return tx, nil
}

func (s *Store) Close() error {
	return nil
}

type state struct {
	orders       map[uuid.UUID]models.Order
	lines        map[uuid.UUID]models.OrderLine
	fulfillments map[uuid.UUID]models.Fulfillment
	stocks       map[uuid.UUID]models.Stock
	allocations  map[uuid.UUID]models.Allocation
	payments     map[uuid.UUID]models.Payment
	grants       map[uuid.UUID]models.GrantedRefund
	giftCards    map[uuid.UUID]models.GiftCard
	vouchers     map[string]models.VoucherCode
	channels     map[uuid.UUID]models.Channel
	events       []models.OrderEvent
	lastNumber   int64
}

func newState() *state {
	return &state{
		orders:       map[uuid.UUID]models.Order{},
		lines:        map[uuid.UUID]models.OrderLine{},
		fulfillments: map[uuid.UUID]models.Fulfillment{},
		stocks:       map[uuid.UUID]models.Stock{},
		allocations:  map[uuid.UUID]models.Allocation{},
		payments:     map[uuid.UUID]models.Payment{},
		grants:       map[uuid.UUID]models.GrantedRefund{},
		giftCards:    map[uuid.UUID]models.GiftCard{},
		vouchers:     map[string]models.VoucherCode{},
		channels:     map[uuid.UUID]models.Channel{},
	}
}

func (s *state) clone() *state {
	out := &state{
		orders:       cloneMap(s.orders, nil),
		lines:        cloneMap(s.lines, nil),
		fulfillments: cloneMap(s.fulfillments, cloneFulfillment),
		stocks:       cloneMap(s.stocks, nil),
		allocations:  cloneMap(s.allocations, nil),
		payments:     cloneMap(s.payments, nil),
		grants:       cloneMap(s.grants, cloneGrant),
		giftCards:    cloneMap(s.giftCards, nil),
		vouchers:     cloneMap(s.vouchers, nil),
		channels:     cloneMap(s.channels, nil),
		events:       append([]models.OrderEvent(nil), s.events...),
		lastNumber:   s.lastNumber,
	}
	return out
}

func cloneMap[K comparable, V any](in map[K]V, deep func(V) V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		if deep != nil {
			v = deep(v)
		}
		out[k] = v
	}
	return out
}

func cloneFulfillment(f models.Fulfillment) models.Fulfillment {
	f.Lines = append([]models.FulfillmentLine(nil), f.Lines...)
	return f
}

func cloneGrant(g models.GrantedRefund) models.GrantedRefund {
	g.Lines = append([]models.GrantedRefundLine(nil), g.Lines...)
	return g
}

func newID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
