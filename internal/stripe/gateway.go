// Package stripe refunds Stripe payment intents.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/payments"
)

const GatewayName = "stripe"

type refundCreator interface {
	Create(ctx context.Context, params *stripeapi.RefundCreateParams) (*stripeapi.Refund, error)
}

// Gateway issues refunds against the payment intent stored as the payment
// token.
type Gateway struct {
	refunds refundCreator
}

var _ payments.Gateway = (*Gateway)(nil)

func NewGateway(secretKey string) *Gateway {
	backends := stripeapi.NewBackendsWithConfig(&stripeapi.BackendConfig{
		HTTPClient: observability.NewHTTPClient(30*time.Second, "api.stripe.com"),
	})
	client := stripeapi.NewClient(secretKey, stripeapi.WithBackends(backends))
	return &Gateway{refunds: client.V1Refunds}
}

func (g *Gateway) Refund(ctx context.Context, req payments.RefundRequest) (*payments.Refund, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req.Payment.Token == "" {
		return nil, &payments.GatewayError{Gateway: GatewayName, Code: "missing_token", Message: "payment has no payment intent"}
	}
	if !req.Amount.Amount.IsPositive() {
		return nil, &payments.GatewayError{Gateway: GatewayName, Code: "invalid_amount", Message: "refund amount must be positive"}
	}

	params := &stripeapi.RefundCreateParams{
		PaymentIntent: stripeapi.String(req.Payment.Token),
		Amount:        stripeapi.Int64(req.Amount.MinorUnits()),
	}
	params.AddMetadata("order_id", req.OrderID.String())
	params.AddMetadata("payment_id", req.Payment.ID.String())
	if req.ChannelSlug != "" {
		params.AddMetadata("channel", req.ChannelSlug)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.GrantID != uuid.Nil {
		params.AddMetadata("granted_refund_id", req.GrantID.String())
		params.SetIdempotencyKey("refund-" + req.GrantID.String() + "-" + req.Payment.ID.String())
	}

	refund, err := g.refunds.Create(ctx, params)
	if err != nil {
		return nil, gatewayError(err)
	}
	if refund.Status == stripeapi.RefundStatusFailed || refund.Status == stripeapi.RefundStatusCanceled {
		return nil, &payments.GatewayError{
			Gateway: GatewayName,
			Code:    string(refund.Status),
			Message: strings.TrimSpace(string(refund.FailureReason)),
		}
	}
	return &payments.Refund{Reference: refund.ID, Amount: req.Amount}, nil
}

func gatewayError(err error) error {
	var apiErr *stripeapi.Error
	if errors.As(err, &apiErr) {
		return &payments.GatewayError{
			Gateway: GatewayName,
			Code:    string(apiErr.Code),
			Message: apiErr.Msg,
			Err:     err,
		}
	}
	return &payments.GatewayError{Gateway: GatewayName, Err: err}
}
