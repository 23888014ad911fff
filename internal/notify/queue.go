package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/logging"
)

const DefaultBatchSize = 3500

// Committer is satisfied by store.Tx.
type Committer interface {
	OnCommit(fn func(ctx context.Context))
}

// Notifier builds per-transaction queues bound to one listener.
type Notifier struct {
	listener  Listener
	batchSize int
	logger    *slog.Logger
}

func NewNotifier(listener Listener, batchSize int, logger *slog.Logger) *Notifier {
	if listener == nil {
		listener = Nop{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Notifier{listener: listener, batchSize: batchSize, logger: logger}
}

// Queue starts an empty queue. A nil Notifier yields a queue that drops
// everything.
func (n *Notifier) Queue() *Queue {
	if n == nil {
		return newQueue(Nop{}, DefaultBatchSize, nil)
	}
	return newQueue(n.listener, n.batchSize, n.logger)
}

type fulfillmentItem struct {
	event  Event
	notice FulfillmentNotice
}

// Queue collects notifications raised inside one transaction. Order ids are
// de-duplicated per event and delivered in chunks of the batch size.
type Queue struct {
	listener  Listener
	batchSize int
	logger    *slog.Logger

	orders       map[Event][]uuid.UUID
	seenOrders   map[Event]map[uuid.UUID]struct{}
	fulfillments []fulfillmentItem
	seenFulfill  map[fulfillmentItem]struct{}
	giftCards    []GiftCardNotice
}

func newQueue(listener Listener, batchSize int, logger *slog.Logger) *Queue {
	return &Queue{
		listener:    listener,
		batchSize:   batchSize,
		logger:      logger,
		orders:      map[Event][]uuid.UUID{},
		seenOrders:  map[Event]map[uuid.UUID]struct{}{},
		seenFulfill: map[fulfillmentItem]struct{}{},
	}
}

// orderEvents fixes delivery order.
var orderEvents = []Event{
	EventDraftOrderCreated,
	EventOrderExpired,
	EventOrderRefunded,
	EventOrderFulfilled,
	EventOrderUpdated,
}

func (q *Queue) Order(event Event, ids ...uuid.UUID) {
	seen, ok := q.seenOrders[event]
	if !ok {
		seen = map[uuid.UUID]struct{}{}
		q.seenOrders[event] = seen
	}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		q.orders[event] = append(q.orders[event], id)
	}
}

func (q *Queue) Fulfillment(event Event, notice FulfillmentNotice) {
	item := fulfillmentItem{event: event, notice: notice}
	if _, dup := q.seenFulfill[item]; dup {
		return
	}
	q.seenFulfill[item] = struct{}{}
	q.fulfillments = append(q.fulfillments, item)
}

func (q *Queue) GiftCards(notice GiftCardNotice) {
	if len(notice.Codes) == 0 {
		return
	}
	q.giftCards = append(q.giftCards, notice)
}

// Len is the number of distinct notifications queued.
func (q *Queue) Len() int {
	n := len(q.fulfillments) + len(q.giftCards)
	for _, ids := range q.orders {
		n += len(ids)
	}
	return n
}

// FlushOnCommit delivers the queue after tx commits. Delivery errors are
// logged; the mutation has already been committed.
func (q *Queue) FlushOnCommit(tx Committer) {
	tx.OnCommit(func(ctx context.Context) {
		if err := q.Flush(ctx); err != nil {
			logging.FromContext(ctx, q.logger).Error("failed to deliver notifications", "error", err)
		}
	})
}

func (q *Queue) Flush(ctx context.Context) error {
	var flushErr error
	for _, event := range orderEvents {
		ids := q.orders[event]
		for start := 0; start < len(ids); start += q.batchSize {
			end := min(start+q.batchSize, len(ids))
			if err := q.dispatchOrders(ctx, event, ids[start:end]); err != nil {
				flushErr = errors.Join(flushErr, fmt.Errorf("%s: %w", event, err))
			}
		}
	}
	for _, item := range q.fulfillments {
		if err := q.dispatchFulfillment(ctx, item); err != nil {
			flushErr = errors.Join(flushErr, fmt.Errorf("%s: %w", item.event, err))
		}
	}
	for _, notice := range q.giftCards {
		if err := q.listener.GiftCardsIssued(ctx, notice); err != nil {
			flushErr = errors.Join(flushErr, fmt.Errorf("%s: %w", EventGiftCardsIssued, err))
		}
	}
	return flushErr
}

func (q *Queue) dispatchOrders(ctx context.Context, event Event, ids []uuid.UUID) error {
	switch event {
	case EventOrderUpdated:
		return q.listener.OrderUpdated(ctx, ids)
	case EventOrderFulfilled:
		return q.listener.OrderFulfilled(ctx, ids)
	case EventOrderRefunded:
		return q.listener.OrderRefunded(ctx, ids)
	case EventOrderExpired:
		return q.listener.OrderExpired(ctx, ids)
	case EventDraftOrderCreated:
		return q.listener.DraftOrderCreated(ctx, ids)
	default:
		return fmt.Errorf("unsupported order event %q", event)
	}
}

func (q *Queue) dispatchFulfillment(ctx context.Context, item fulfillmentItem) error {
	switch item.event {
	case EventFulfillmentCreated:
		return q.listener.FulfillmentCreated(ctx, item.notice)
	case EventFulfillmentApproved:
		return q.listener.FulfillmentApproved(ctx, item.notice)
	case EventFulfillmentCanceled:
		return q.listener.FulfillmentCanceled(ctx, item.notice)
	case EventFulfillmentTrackingUpdated:
		return q.listener.FulfillmentTrackingUpdated(ctx, item.notice)
	default:
		return fmt.Errorf("unsupported fulfillment event %q", item.event)
	}
}
