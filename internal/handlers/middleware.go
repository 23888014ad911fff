package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// statusRecorder remembers the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger assigns the request id, puts a request logger in the context
// and logs the outcome. Probe routes are polled constantly and log at debug.
func (h *Handlers) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		route := routeName(r)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx, logger := logging.With(ctx, h.logger,
			"request_id", requestID,
			"method", r.Method,
			"route", route,
			"remote_ip", remoteIP(r),
		)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start)
		observability.MeterFromContext(ctx).Count("ops.http.requests", 1, sentry.WithAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		))
		observability.ObserveDuration(ctx, "ops.http.duration", start, attribute.String("http.route", route))

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case route == "health" || route == "ready":
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "request completed", "status", rec.status, "duration_ms", elapsed.Milliseconds())
	})
}

// MetricsContext gives the request a meter tagged with its id and route.
// It runs after RequestLogger so both share the request id.
func (h *Handlers) MetricsContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		meter := sentry.NewMeter(ctx).WithCtx(ctx)
		meter.SetAttributes(
			attribute.String("http.request_id", requestIDFromContext(ctx)),
			attribute.String("http.route", routeName(r)),
		)
		next.ServeHTTP(w, r.WithContext(observability.WithMeter(ctx, meter)))
	})
}

// SecurityHeaders locks responses down to plain JSON that is never cached,
// framed or sniffed.
func (h *Handlers) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("Cache-Control", "no-store")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if name := route.GetName(); name != "" {
			return name
		}
	}
	return "unknown"
}
