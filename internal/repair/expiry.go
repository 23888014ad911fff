package repair

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/orders"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// channelWalk picks the channel a per-channel repairer works on. The cursor's
// AfterID holds the channel to resume; the zero id starts at the first one.
// Channels whose window is zero are skipped.
type channelWalk struct {
	current *models.Channel
	next    *models.Channel
}

func walkChannels(ctx context.Context, tx store.Tx, from uuid.UUID, window func(models.Channel) time.Duration) (channelWalk, error) {
	channels, err := tx.ListChannels(ctx)
	if err != nil {
		return channelWalk{}, fmt.Errorf("failed to list channels: %w", err)
	}
	sort.Slice(channels, func(i, j int) bool { return store.CompareIDs(channels[i].ID, channels[j].ID) < 0 })

	var walk channelWalk
	for i := range channels {
		if window(channels[i]) <= 0 || store.CompareIDs(channels[i].ID, from) < 0 {
			continue
		}
		if walk.current == nil {
			walk.current = &channels[i]
			continue
		}
		walk.next = &channels[i]
		break
	}
	return walk, nil
}

// resume returns the cursor after a batch on walk.current that handled n of
// limit rows.
func (w channelWalk) resume(n, limit int) *Cursor {
	switch {
	case w.current != nil && n == limit:
		return &Cursor{AfterID: w.current.ID}
	case w.next != nil:
		return &Cursor{AfterID: w.next.ID}
	default:
		return nil
	}
}

// OrderExpirySweeper expires unconfirmed orders that sat unpaid past their
// channel's ExpireOrdersAfter window, releasing their allocations and voucher
// usage.
type OrderExpirySweeper struct {
	base
}

func NewOrderExpirySweeper(deps Deps) (*OrderExpirySweeper, error) {
	b, err := newBase(deps, "order_expiry_sweeper")
	if err != nil {
		return nil, err
	}
	return &OrderExpirySweeper{base: b}, nil
}

func (s *OrderExpirySweeper) Name() string {
	return "order_expiry_sweeper"
}

func (s *OrderExpirySweeper) RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error) {
	return s.batch(ctx, s.Name(), func(ctx context.Context) (int, *Cursor, error) {
		var expired int
		var next *Cursor
		err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			walk, err := walkChannels(ctx, tx, cursor.AfterID, func(c models.Channel) time.Duration { return c.ExpireOrdersAfter })
			if err != nil {
				return err
			}
			if walk.current == nil {
				return nil
			}
			now := s.now()
			candidates, err := tx.LockExpirableOrders(ctx, walk.current.ID, now.Add(-walk.current.ExpireOrdersAfter), s.batchSize)
			if err != nil {
				return fmt.Errorf("failed to lock expirable orders: %w", err)
			}
			next = walk.resume(len(candidates), s.batchSize)
			if len(candidates) == 0 {
				return nil
			}
			if err := s.expire(ctx, tx, candidates, now); err != nil {
				return err
			}
			expired = len(candidates)
			return nil
		})
		if err != nil {
			return 0, nil, err
		}
		return expired, next, nil
	})
}

func (s *OrderExpirySweeper) expire(ctx context.Context, tx store.Tx, candidates []models.Order, now time.Time) error {
	ids := orderIDs(candidates, func(o models.Order) uuid.UUID { return o.ID })
	lines, err := tx.LinesForOrders(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load lines: %w", err)
	}

	// An order uses each of its codes once, however many of its lines carry it.
	codesByOrder := map[uuid.UUID]map[string]struct{}{}
	useCode := func(orderID uuid.UUID, code string) {
		if code == "" {
			return
		}
		if codesByOrder[orderID] == nil {
			codesByOrder[orderID] = map[string]struct{}{}
		}
		codesByOrder[orderID][code] = struct{}{}
	}
	for _, order := range candidates {
		useCode(order.ID, order.VoucherCode)
	}
	lineIDs := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		lineIDs = append(lineIDs, line.ID)
		useCode(line.OrderID, line.VoucherCode)
	}
	vouchers := map[string]int{}
	for _, codes := range codesByOrder {
		for code := range codes {
			vouchers[code]++
		}
	}
	if err := releaseAllocations(ctx, tx, lineIDs); err != nil {
		return err
	}
	if err := s.releaseVouchers(ctx, tx, vouchers); err != nil {
		return err
	}

	updated := make([]models.Order, 0, len(candidates))
	events := make([]models.OrderEvent, 0, len(candidates))
	for _, order := range candidates {
		order, err := orders.TransitionStatus(order, orders.EventExpire, now)
		if err != nil {
			return fmt.Errorf("failed to expire order %s: %w", order.ID, err)
		}
		updated = append(updated, order)
		events = append(events, models.NewEvent(order.ID, models.EventOrderExpired, models.Actor{}, nil))
	}
	if err := tx.UpdateOrders(ctx, updated); err != nil {
		return fmt.Errorf("failed to update orders: %w", err)
	}
	if err := tx.AddEvents(ctx, events...); err != nil {
		return fmt.Errorf("failed to add events: %w", err)
	}

	queue := s.notifier.Queue()
	queue.Order(notify.EventOrderExpired, ids...)
	queue.FlushOnCommit(tx)
	return nil
}

// releaseAllocations gives allocated stock back and drops the allocations.
func releaseAllocations(ctx context.Context, tx store.Tx, lineIDs []uuid.UUID) error {
	allocations, err := tx.ListAllocations(ctx, lineIDs)
	if err != nil {
		return fmt.Errorf("failed to list allocations: %w", err)
	}
	if len(allocations) == 0 {
		return nil
	}
	perStock := map[uuid.UUID]int{}
	stockIDs := make([]uuid.UUID, 0, len(allocations))
	allocationIDs := make([]uuid.UUID, 0, len(allocations))
	for _, a := range allocations {
		if _, ok := perStock[a.StockID]; !ok {
			stockIDs = append(stockIDs, a.StockID)
		}
		perStock[a.StockID] += a.QuantityAllocated
		allocationIDs = append(allocationIDs, a.ID)
	}
	stocks, err := tx.LockStocksByID(ctx, store.SortIDs(stockIDs))
	if err != nil {
		return fmt.Errorf("failed to lock stocks: %w", err)
	}
	for i := range stocks {
		stocks[i].QuantityAllocated = max(stocks[i].QuantityAllocated-perStock[stocks[i].ID], 0)
	}
	if err := tx.UpdateStocks(ctx, stocks); err != nil {
		return fmt.Errorf("failed to update stocks: %w", err)
	}
	if err := tx.DeleteAllocations(ctx, allocationIDs); err != nil {
		return fmt.Errorf("failed to delete allocations: %w", err)
	}
	return nil
}

func (s *OrderExpirySweeper) releaseVouchers(ctx context.Context, tx store.Tx, uses map[string]int) error {
	if len(uses) == 0 {
		return nil
	}
	codes := make([]string, 0, len(uses))
	for code := range uses {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	locked, err := tx.LockVoucherCodes(ctx, codes)
	if err != nil {
		return fmt.Errorf("failed to lock voucher codes: %w", err)
	}
	for i := range locked {
		used := locked[i].Used - uses[locked[i].Code]
		if used < 0 {
			s.loggerFromContext(ctx).Warn("voucher usage would drop below zero",
				"code", locked[i].Code,
				"used", locked[i].Used,
				"released", uses[locked[i].Code],
			)
			used = 0
		}
		locked[i].Used = used
	}
	if err := tx.UpdateVoucherCodes(ctx, locked); err != nil {
		return fmt.Errorf("failed to update voucher codes: %w", err)
	}
	return nil
}

// ExpiredOrderDeleter hard deletes expired orders once they are older than
// their channel's DeleteExpiredOrdersAfter window.
type ExpiredOrderDeleter struct {
	base
}

func NewExpiredOrderDeleter(deps Deps) (*ExpiredOrderDeleter, error) {
	b, err := newBase(deps, "expired_order_deleter")
	if err != nil {
		return nil, err
	}
	return &ExpiredOrderDeleter{base: b}, nil
}

func (d *ExpiredOrderDeleter) Name() string {
	return "expired_order_deleter"
}

func (d *ExpiredOrderDeleter) RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error) {
	return d.batch(ctx, d.Name(), func(ctx context.Context) (int, *Cursor, error) {
		var deleted int
		var next *Cursor
		err := d.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			walk, err := walkChannels(ctx, tx, cursor.AfterID, func(c models.Channel) time.Duration { return c.DeleteExpiredOrdersAfter })
			if err != nil {
				return err
			}
			if walk.current == nil {
				return nil
			}
			cutoff := d.now().Add(-walk.current.DeleteExpiredOrdersAfter)
			candidates, err := tx.LockExpiredOrders(ctx, walk.current.ID, cutoff, d.batchSize)
			if err != nil {
				return fmt.Errorf("failed to lock expired orders: %w", err)
			}
			next = walk.resume(len(candidates), d.batchSize)
			if len(candidates) == 0 {
				return nil
			}
			if err := tx.DeleteOrders(ctx, orderIDs(candidates, func(o models.Order) uuid.UUID { return o.ID })); err != nil {
				return fmt.Errorf("failed to delete orders: %w", err)
			}
			deleted = len(candidates)
			return nil
		})
		if err != nil {
			return 0, nil, err
		}
		return deleted, next, nil
	})
}
