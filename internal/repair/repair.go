// Package repair holds the batch consistency repairers. Each RunBatch call
// processes one bounded batch inside one transaction and returns the cursor
// to resume from, or nil when the repairer has caught up.
package repair

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/store"
)

const (
	DefaultBatchSize     = 500
	DefaultLineBatchSize = 5000
	DefaultWindowSize    = 1000
)

// Cursor is the resumable position of a repairer. The zero value starts from
// the beginning.
type Cursor struct {
	Phase      string    `json:"phase,omitempty"`
	AfterID    uuid.UUID `json:"after_id,omitempty"`
	AfterTime  time.Time `json:"after_time,omitempty"`
	FromNumber int64     `json:"from_number,omitempty"`
}

type Repairer interface {
	Name() string
	RunBatch(ctx context.Context, cursor Cursor) (*Cursor, error)
}

type Deps struct {
	Store    store.Store
	Notifier *notify.Notifier
	Clock    func() time.Time
	Logger   *slog.Logger

	BatchSize     int
	LineBatchSize int
	WindowSize    int64
}

// base carries what every repairer shares.
type base struct {
	store     store.Store
	notifier  *notify.Notifier
	clock     func() time.Time
	logger    *slog.Logger
	batchSize int
}

func newBase(deps Deps, name string) (base, error) {
	if deps.Store == nil {
		return base{}, errors.New("repair: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return base{
		store:     deps.Store,
		notifier:  deps.Notifier,
		clock:     clock,
		logger:    logger.With("component", "repair", "repairer", name),
		batchSize: batchSize,
	}, nil
}

func (b base) now() time.Time {
	return b.clock().UTC()
}

func (b base) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, b.logger)
}

// batch wraps one RunBatch in a span and records how many rows it touched.
func (b base) batch(ctx context.Context, name string, fn func(ctx context.Context) (int, *Cursor, error)) (*Cursor, error) {
	span := sentry.StartSpan(
		ctx,
		"task.repair."+name,
		sentry.WithOpName("task.repair"),
		sentry.WithDescription(name),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	start := time.Now()
	fixed, next, err := fn(ctx)
	observability.ObserveDuration(ctx, "repair.batch.duration", start, attribute.String("repairer", name))
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		meter.Count("repair.batch.failed", 1, sentry.WithAttributes(attribute.String("repairer", name)))
		return nil, err
	}
	meter.Count("repair.rows.fixed", int64(fixed), sentry.WithAttributes(attribute.String("repairer", name)))
	if fixed > 0 {
		b.loggerFromContext(ctx).Info("repair batch applied", "fixed", fixed, "done", next == nil)
	}
	return next, nil
}

// All builds every repairer with shared dependencies, in registration order.
func All(deps Deps) ([]Repairer, error) {
	builders := []func(Deps) (Repairer, error){
		func(d Deps) (Repairer, error) { return NewUndiscountedTotalFixer(d) },
		func(d Deps) (Repairer, error) { return NewChargeStatusReconciler(d) },
		func(d Deps) (Repairer, error) { return NewOrderExpirySweeper(d) },
		func(d Deps) (Repairer, error) { return NewExpiredOrderDeleter(d) },
		func(d Deps) (Repairer, error) { return NewSubtotalRecomputer(d) },
		func(d Deps) (Repairer, error) { return NewDuplicateGiftLineCleaner(d) },
	}
	out := make([]Repairer, 0, len(builders))
	for _, build := range builders {
		r, err := build(deps)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func orderIDs[T any](rows []T, id func(T) uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, id(row))
	}
	return ids
}
