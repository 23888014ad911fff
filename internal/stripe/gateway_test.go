package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/payments"
)

type fakeRefunds struct {
	params *stripeapi.RefundCreateParams
	refund *stripeapi.Refund
	err    error
}

func (f *fakeRefunds) Create(_ context.Context, params *stripeapi.RefundCreateParams) (*stripeapi.Refund, error) {
	f.params = params
	return f.refund, f.err
}

func refundRequest(amount string) payments.RefundRequest {
	return payments.RefundRequest{
		OrderID: uuid.New(),
		Payment: models.Payment{ID: uuid.New(), Gateway: GatewayName, Token: "pi_123"},
		Amount:  money.MustParse(amount, "USD"),
	}
}

func TestGatewayRefundSendsMinorUnits(t *testing.T) {
	t.Parallel()

	fake := &fakeRefunds{refund: &stripeapi.Refund{ID: "re_1", Status: stripeapi.RefundStatusSucceeded}}
	g := &Gateway{refunds: fake}

	refund, err := g.Refund(context.Background(), refundRequest("12.34"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refund.Reference != "re_1" {
		t.Fatalf("reference = %q, want re_1", refund.Reference)
	}
	if got := *fake.params.Amount; got != 1234 {
		t.Fatalf("amount = %d, want 1234", got)
	}
	if got := *fake.params.PaymentIntent; got != "pi_123" {
		t.Fatalf("payment intent = %q", got)
	}
	if fake.params.IdempotencyKey != nil {
		t.Fatalf("idempotency key set without a grant")
	}
}

func TestGatewayRefundIsIdempotentPerGrant(t *testing.T) {
	t.Parallel()

	fake := &fakeRefunds{refund: &stripeapi.Refund{ID: "re_1", Status: stripeapi.RefundStatusSucceeded}}
	g := &Gateway{refunds: fake}
	req := refundRequest("1.00")
	req.GrantID = uuid.New()

	if _, err := g.Refund(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "refund-" + req.GrantID.String() + "-" + req.Payment.ID.String()
	if fake.params.IdempotencyKey == nil || *fake.params.IdempotencyKey != want {
		t.Fatalf("idempotency key = %v, want %s", fake.params.IdempotencyKey, want)
	}
	if got := fake.params.Metadata["granted_refund_id"]; got != req.GrantID.String() {
		t.Fatalf("granted_refund_id metadata = %q", got)
	}
}

func TestGatewayRefundErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fake     *fakeRefunds
		amount   string
		wantCode string
	}{
		{
			name:     "api error",
			fake:     &fakeRefunds{err: &stripeapi.Error{Code: stripeapi.ErrorCodeChargeAlreadyRefunded, Msg: "already refunded"}},
			amount:   "5.00",
			wantCode: string(stripeapi.ErrorCodeChargeAlreadyRefunded),
		},
		{
			name:     "failed refund",
			fake:     &fakeRefunds{refund: &stripeapi.Refund{ID: "re_2", Status: stripeapi.RefundStatusFailed}},
			amount:   "5.00",
			wantCode: string(stripeapi.RefundStatusFailed),
		},
		{
			name:     "zero amount",
			fake:     &fakeRefunds{},
			amount:   "0",
			wantCode: "invalid_amount",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := &Gateway{refunds: tt.fake}
			_, err := g.Refund(context.Background(), refundRequest(tt.amount))
			if !errors.Is(err, payments.ErrGateway) {
				t.Fatalf("expected gateway error, got %v", err)
			}
			var gwErr *payments.GatewayError
			if !errors.As(err, &gwErr) || gwErr.Code != tt.wantCode {
				t.Fatalf("code = %v, want %s", err, tt.wantCode)
			}
		})
	}
}
