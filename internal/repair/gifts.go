package repair

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// DuplicateGiftLineCleaner keeps only the earliest gift line on draft orders
// that ended up with several, and flags those drafts for a price refresh.
type DuplicateGiftLineCleaner struct {
	base
}

func NewDuplicateGiftLineCleaner(deps Deps) (*DuplicateGiftLineCleaner, error) {
	b, err := newBase(deps, "duplicate_gift_line_cleaner")
	if err != nil {
		return nil, err
	}
	return &DuplicateGiftLineCleaner{base: b}, nil
}

func (c *DuplicateGiftLineCleaner) Name() string {
	return "duplicate_gift_line_cleaner"
}

func (c *DuplicateGiftLineCleaner) RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error) {
	return c.batch(ctx, c.Name(), func(ctx context.Context) (int, *Cursor, error) {
		var cleaned int
		var next *Cursor
		err := c.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			drafts, err := tx.LockDraftOrdersWithDuplicateGifts(ctx, store.Page{
				AfterID:   cursor.AfterID,
				AfterTime: cursor.AfterTime,
				Limit:     c.batchSize,
			})
			if err != nil {
				return fmt.Errorf("failed to lock draft orders: %w", err)
			}
			if len(drafts) == c.batchSize {
				last := drafts[len(drafts)-1]
				next = &Cursor{AfterTime: last.CreatedAt, AfterID: last.ID}
			}
			if len(drafts) == 0 {
				return nil
			}

			ids := orderIDs(drafts, func(o models.Order) uuid.UUID { return o.ID })
			lines, err := tx.LinesForOrders(ctx, ids)
			if err != nil {
				return fmt.Errorf("failed to load lines: %w", err)
			}
			// Lines come ordered by creation time, so the first gift seen
			// per order is the one to keep.
			kept := map[uuid.UUID]struct{}{}
			var doomed []uuid.UUID
			for _, line := range lines {
				if !line.IsGift {
					continue
				}
				if _, ok := kept[line.OrderID]; !ok {
					kept[line.OrderID] = struct{}{}
					continue
				}
				doomed = append(doomed, line.ID)
			}
			if err := tx.DeleteOrderLines(ctx, doomed); err != nil {
				return fmt.Errorf("failed to delete gift lines: %w", err)
			}
			for i := range drafts {
				drafts[i].ShouldRefreshPrices = true
			}
			if err := tx.UpdateOrders(ctx, drafts); err != nil {
				return fmt.Errorf("failed to update orders: %w", err)
			}

			queue := c.notifier.Queue()
			queue.Order(notify.EventOrderUpdated, ids...)
			queue.FlushOnCommit(tx)
			cleaned = len(doomed)
			return nil
		})
		if err != nil {
			return 0, nil, err
		}
		return cleaned, next, nil
	})
}
