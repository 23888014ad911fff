package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
)

func (t *Tx) LockDriftedLines(_ context.Context, page store.Page) ([]models.OrderLine, error) {
	var out []models.OrderLine
	for _, line := range t.st.lines {
		if store.CompareIDs(line.ID, page.AfterID) <= 0 {
			continue
		}
		if !line.TotalPrice.Equal(line.UnitPrice.Mul(line.Quantity).Quantize()) ||
			!line.UndiscountedTotalPrice.Equal(line.UndiscountedUnitPrice.Mul(line.Quantity).Quantize()) {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return limit(out, page.Limit), nil
}

func (t *Tx) LockOrdersWithVoucherLines(_ context.Context, page store.Page) ([]models.Order, error) {
	withVoucher := map[uuid.UUID]struct{}{}
	for _, line := range t.st.lines {
		if line.VoucherCode != "" {
			withVoucher[line.OrderID] = struct{}{}
		}
	}
	return t.ordersByID(page, func(o models.Order) bool {
		_, ok := withVoucher[o.ID]
		return ok
	}), nil
}

func (t *Tx) LockOrdersWithGrantedRefunds(_ context.Context, page store.Page) ([]models.Order, error) {
	withGrant := map[uuid.UUID]struct{}{}
	for _, g := range t.st.grants {
		withGrant[g.OrderID] = struct{}{}
	}
	return t.ordersByID(page, func(o models.Order) bool {
		_, ok := withGrant[o.ID]
		return ok
	}), nil
}

func (t *Tx) LockExpirableOrders(_ context.Context, channelID uuid.UUID, cutoff time.Time, n int) ([]models.Order, error) {
	funded := map[uuid.UUID]struct{}{}
	for _, p := range t.st.payments {
		if p.IsActive && (p.Captured.Amount.IsPositive() || p.Authorized.Amount.IsPositive()) {
			funded[p.OrderID] = struct{}{}
		}
	}
	return t.ordersByID(store.Page{Limit: n}, func(o models.Order) bool {
		if o.ChannelID != channelID || o.Status != models.StatusUnconfirmed || !o.CreatedAt.Before(cutoff) {
			return false
		}
		_, ok := funded[o.ID]
		return !ok
	}), nil
}

func (t *Tx) LockExpiredOrders(_ context.Context, channelID uuid.UUID, cutoff time.Time, n int) ([]models.Order, error) {
	return t.ordersByID(store.Page{Limit: n}, func(o models.Order) bool {
		return o.ChannelID == channelID && o.Status == models.StatusExpired && o.ExpiredAt != nil && o.ExpiredAt.Before(cutoff)
	}), nil
}

func (t *Tx) LockOrdersByNumber(_ context.Context, from, to int64) ([]models.Order, error) {
	var out []models.Order
	for _, o := range t.st.orders {
		if o.Number >= from && o.Number < to {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *Tx) MaxOrderNumber(_ context.Context) (int64, error) {
	var highest int64
	for _, o := range t.st.orders {
		if o.Number > highest {
			highest = o.Number
		}
	}
	return highest, nil
}

func (t *Tx) LockDraftOrdersWithDuplicateGifts(_ context.Context, page store.Page) ([]models.Order, error) {
	gifts := map[uuid.UUID]int{}
	for _, line := range t.st.lines {
		if line.IsGift {
			gifts[line.OrderID]++
		}
	}
	var out []models.Order
	for _, o := range t.st.orders {
		if o.Status != models.StatusDraft || gifts[o.ID] < 2 {
			continue
		}
		if o.CreatedAt.Before(page.AfterTime) ||
			(o.CreatedAt.Equal(page.AfterTime) && store.CompareIDs(o.ID, page.AfterID) <= 0) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return store.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return limit(out, page.Limit), nil
}

func (t *Tx) ordersByID(page store.Page, match func(models.Order) bool) []models.Order {
	var out []models.Order
	for _, o := range t.st.orders {
		if store.CompareIDs(o.ID, page.AfterID) <= 0 || !match(o) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return store.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return limit(out, page.Limit)
}

func limit[T any](rows []T, n int) []T {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}
