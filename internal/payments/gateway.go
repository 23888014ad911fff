// Package payments talks to the payment gateways that move money back to
// customers.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
)

// ErrGateway marks failures reported by, or on the way to, a gateway.
var ErrGateway = errors.New("payments: gateway error")

type GatewayError struct {
	Gateway string
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s", e.Gateway)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

type RefundRequest struct {
	OrderID uuid.UUID
	// GrantID is the granted refund the money moves for. Gateways use it
	// with the payment id to make retries idempotent.
	GrantID     uuid.UUID
	ChannelSlug string
	Payment     models.Payment
	Amount      money.Money
	Reason      string
}

type Refund struct {
	Reference string
	Amount    money.Money
}

type Gateway interface {
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// Router dispatches refunds by the payment's gateway name.
type Router map[string]Gateway

func (r Router) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	gw, ok := r[req.Payment.Gateway]
	if !ok {
		return nil, &GatewayError{Gateway: req.Payment.Gateway, Code: "unsupported_gateway", Message: "no gateway configured"}
	}
	return gw.Refund(ctx, req)
}

// Manual accepts every refund without contacting anyone. It serves payments
// captured outside any gateway.
type Manual struct{}

func (Manual) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	if !req.Amount.Amount.IsPositive() {
		return nil, &GatewayError{Gateway: req.Payment.Gateway, Code: "invalid_amount", Message: "refund amount must be positive"}
	}
	return &Refund{Reference: "manual-" + uuid.NewString(), Amount: req.Amount}, nil
}
