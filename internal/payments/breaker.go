package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/gitshopapp/fulfillment/internal/logging"
)

// BreakerGateway stops calling a failing gateway after consecutive failures
// and reports it as unavailable until the breaker half-opens.
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker[*Refund]
}

type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreakerGateway(next Gateway, cfg BreakerConfig, logger *slog.Logger) *BreakerGateway {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.FromContext(context.Background(), logger).Warn("payment gateway breaker changed state",
				"gateway", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &BreakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[*Refund](settings),
	}
}

func (b *BreakerGateway) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	refund, err := b.breaker.Execute(func() (*Refund, error) {
		return b.next.Refund(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &GatewayError{Gateway: req.Payment.Gateway, Code: "gateway_unavailable", Err: err}
	}
	return refund, err
}

func (b *BreakerGateway) State() gobreaker.State {
	return b.breaker.State()
}
