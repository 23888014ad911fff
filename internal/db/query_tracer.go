package db

import (
	"context"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/jackc/pgx/v5"

	"github.com/gitshopapp/fulfillment/internal/observability"
)

type querySpanContextKey struct{}

type batchSpanContextKey struct{}

// queryTracer opens a span per statement and per batch when the caller is
// already traced, and counts failed statements by operation.
type queryTracer struct{}

var (
	_ pgx.QueryTracer = (*queryTracer)(nil)
	_ pgx.BatchTracer = (*queryTracer)(nil)
)

func newQueryTracer() *queryTracer {
	return &queryTracer{}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if sentry.SpanFromContext(ctx) == nil {
		return ctx
	}

	query := normalizeQuery(data.SQL)
	span := sentry.StartSpan(
		ctx,
		"db.query",
		sentry.WithDescription(query),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	span.SetData("db.system", "postgresql")
	if operation := queryOperation(query); operation != "" {
		span.SetData("db.operation", operation)
	}
	if locking(query) {
		span.SetData("db.row_lock", true)
	}

	return context.WithValue(span.Context(), querySpanContextKey{}, span)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		countFailure(ctx, "query")
	}
	span, _ := ctx.Value(querySpanContextKey{}).(*sentry.Span)
	if span == nil {
		return
	}
	finish(span, data.Err, data.CommandTag.RowsAffected())
}

func (t *queryTracer) TraceBatchStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchStartData) context.Context {
	if sentry.SpanFromContext(ctx) == nil {
		return ctx
	}
	span := sentry.StartSpan(
		ctx,
		"db.batch",
		sentry.WithDescription("batch"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	span.SetData("db.system", "postgresql")
	if data.Batch != nil {
		span.SetData("db.batch.size", data.Batch.Len())
	}
	return context.WithValue(span.Context(), batchSpanContextKey{}, span)
}

func (t *queryTracer) TraceBatchQuery(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchQueryData) {
	if data.Err == nil {
		return
	}
	countFailure(ctx, queryOperation(normalizeQuery(data.SQL)))
	if span, _ := ctx.Value(batchSpanContextKey{}).(*sentry.Span); span != nil {
		span.SetData("db.error", data.Err.Error())
		span.SetData("db.failed_statement", normalizeQuery(data.SQL))
	}
}

func (t *queryTracer) TraceBatchEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchEndData) {
	span, _ := ctx.Value(batchSpanContextKey{}).(*sentry.Span)
	if span == nil {
		return
	}
	finish(span, data.Err, -1)
}

func finish(span *sentry.Span, err error, rowsAffected int64) {
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("db.error", err.Error())
	} else {
		span.Status = sentry.SpanStatusOK
	}
	if rowsAffected >= 0 {
		span.SetData("db.rows_affected", rowsAffected)
	}
	span.Finish()
}

func countFailure(ctx context.Context, operation string) {
	if operation == "" {
		operation = "unknown"
	}
	observability.MeterFromContext(ctx).Count("db.statement.failed", 1, sentry.WithAttributes(
		attribute.String("operation", operation),
	))
}

func normalizeQuery(query string) string {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return "sql.query"
	}
	const maxLen = 512
	if len(normalized) > maxLen {
		return normalized[:maxLen]
	}
	return normalized
}

func queryOperation(query string) string {
	operation, _, _ := strings.Cut(query, " ")
	return strings.ToUpper(operation)
}

func locking(query string) bool {
	return strings.Contains(strings.ToUpper(query), "FOR UPDATE")
}
