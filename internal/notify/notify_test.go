package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/email"
)

type recordingListener struct {
	Nop
	mu           sync.Mutex
	updated      [][]uuid.UUID
	expired      [][]uuid.UUID
	fulfillments []FulfillmentNotice
	err          error
}

func (r *recordingListener) OrderUpdated(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, append([]uuid.UUID(nil), ids...))
	return r.err
}

func (r *recordingListener) OrderExpired(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, append([]uuid.UUID(nil), ids...))
	return r.err
}

func (r *recordingListener) FulfillmentCreated(_ context.Context, n FulfillmentNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfillments = append(r.fulfillments, n)
	return r.err
}

func newIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestQueueChunksOrderIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ids       int
		batchSize int
		want      []int
	}{
		{name: "single batch", ids: 10, batchSize: 3500, want: []int{10}},
		{name: "exact multiple", ids: 1000, batchSize: 500, want: []int{500, 500}},
		{name: "remainder", ids: 1200, batchSize: 500, want: []int{500, 500, 200}},
		{name: "empty", ids: 0, batchSize: 500, want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &recordingListener{}
			q := NewNotifier(rec, tt.batchSize, nil).Queue()
			q.Order(EventOrderUpdated, newIDs(tt.ids)...)
			require.NoError(t, q.Flush(context.Background()))

			var got []int
			for _, batch := range rec.updated {
				got = append(got, len(batch))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueueDeduplicatesPerEvent(t *testing.T) {
	t.Parallel()

	rec := &recordingListener{}
	q := NewNotifier(rec, 0, nil).Queue()
	id := uuid.New()
	q.Order(EventOrderUpdated, id, id)
	q.Order(EventOrderUpdated, id)
	q.Order(EventOrderExpired, id)
	notice := FulfillmentNotice{OrderID: id, FulfillmentID: uuid.New()}
	q.Fulfillment(EventFulfillmentCreated, notice)
	q.Fulfillment(EventFulfillmentCreated, notice)

	assert.Equal(t, 3, q.Len())
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, [][]uuid.UUID{{id}}, rec.updated)
	assert.Equal(t, [][]uuid.UUID{{id}}, rec.expired)
	assert.Len(t, rec.fulfillments, 1)
}

type committer struct {
	hooks []func(context.Context)
}

func (c *committer) OnCommit(fn func(context.Context)) { c.hooks = append(c.hooks, fn) }

func TestQueueFlushOnCommitWaitsForCommit(t *testing.T) {
	t.Parallel()

	rec := &recordingListener{err: errors.New("listener down")}
	q := NewNotifier(rec, 0, nil).Queue()
	q.Order(EventOrderUpdated, uuid.New())

	tx := &committer{}
	q.FlushOnCommit(tx)
	assert.Empty(t, rec.updated, "nothing is delivered before commit")

	require.Len(t, tx.hooks, 1)
	tx.hooks[0](context.Background())
	assert.Len(t, rec.updated, 1)
}

func TestNilNotifierDropsEverything(t *testing.T) {
	t.Parallel()

	var n *Notifier
	q := n.Queue()
	q.Order(EventOrderUpdated, uuid.New())
	assert.NoError(t, q.Flush(context.Background()))
}

func TestMultiplexerJoinsErrors(t *testing.T) {
	t.Parallel()

	first := &recordingListener{err: errors.New("first")}
	second := &recordingListener{}
	third := &recordingListener{err: errors.New("third")}
	m := Multi(first, nil, second, third)
	require.Len(t, m, 3)

	err := m.OrderUpdated(context.Background(), []uuid.UUID{uuid.New()})
	require.Error(t, err)
	assert.ErrorContains(t, err, "first")
	assert.ErrorContains(t, err, "third")
	assert.Len(t, second.updated, 1)
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaListenerPublishesEventKeyedMessages(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	k := newKafkaListener(w, nil)
	ids := newIDs(2)
	require.NoError(t, k.OrderExpired(context.Background(), ids))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "order_expired", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", msg.Headers[0].Key)

	var decoded Message
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, EventOrderExpired, decoded.EventType)
	assert.Equal(t, ids, decoded.OrderIDs)
}

func TestKafkaListenerWrapsWriteErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker unavailable")
	k := newKafkaListener(&fakeWriter{err: boom}, nil)
	err := k.FulfillmentCreated(context.Background(), FulfillmentNotice{OrderID: uuid.New()})
	assert.ErrorIs(t, err, boom)
}

type capturingProvider struct {
	sent []*email.Email
}

func (p *capturingProvider) SendEmail(_ context.Context, e *email.Email) error {
	p.sent = append(p.sent, e)
	return nil
}

func TestEmailListener(t *testing.T) {
	t.Parallel()

	provider := &capturingProvider{}
	l, err := NewEmailListener(provider, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.GiftCardsIssued(ctx, GiftCardNotice{
		OrderNumber:   42,
		CustomerEmail: "buyer@example.com",
		Codes:         []string{"GC-ONE", "GC-TWO"},
	}))
	require.NoError(t, l.FulfillmentCreated(ctx, FulfillmentNotice{
		OrderNumber:   42,
		CustomerEmail: "buyer@example.com",
	}))
	require.NoError(t, l.FulfillmentApproved(ctx, FulfillmentNotice{
		OrderNumber:    42,
		ComposedID:     "42-1",
		TrackingNumber: "TRACK-1",
		CustomerEmail:  "buyer@example.com",
		NotifyCustomer: true,
	}))
	require.NoError(t, l.GiftCardsIssued(ctx, GiftCardNotice{OrderNumber: 43, Codes: []string{"GC-X"}}))

	require.Len(t, provider.sent, 2)
	assert.Equal(t, "Your gift cards for order 42", provider.sent[0].Subject)
	assert.Contains(t, provider.sent[0].Text, "GC-TWO")
	assert.Contains(t, provider.sent[1].Text, "TRACK-1")
}
