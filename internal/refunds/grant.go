package refunds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

type GrantLine struct {
	OrderLineID uuid.UUID
	Quantity    int
	Reason      string
}

type GrantInput struct {
	OrderID uuid.UUID
	Actor   models.Actor
	// Amount overrides the amount computed from lines and shipping.
	Amount               *decimal.Decimal
	IncludeShippingCosts bool
	Lines                []GrantLine
	Reason               string
}

// GrantRefund records a manual refund grant without moving money or
// quantities. The ledger invariant holds across all grants of a line.
func (e *Engine) GrantRefund(ctx context.Context, input GrantInput) (*models.GrantedRefund, error) {
	if err := input.Actor.Validate(); err != nil {
		return nil, validation.New("actor", validation.CodeRequired, err.Error())
	}
	if len(input.Lines) == 0 && input.Amount == nil && !input.IncludeShippingCosts {
		return nil, validation.New("amount", validation.CodeRequired, "lines, shipping or an amount are required")
	}
	if input.Amount != nil && !input.Amount.IsPositive() {
		return nil, validation.New("amount", validation.CodeCannotRefund, "amount must be positive")
	}

	var grant models.GrantedRefund
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := loadSnapshot(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		g, err := buildGrant(input, s)
		if err != nil {
			return err
		}
		if err := tx.CreateGrantedRefund(ctx, &g); err != nil {
			return fmt.Errorf("failed to create granted refund: %w", err)
		}
		s.grants = append(s.grants, g)
		if err := e.syncOrder(ctx, tx, s); err != nil {
			return err
		}
		if err := tx.AddEvents(ctx, models.NewEvent(s.order.ID, models.EventGrantedRefundCreated, input.Actor, map[string]any{
			"amount":                  g.Amount.String(),
			"currency":                g.Currency,
			"reason":                  g.Reason,
			"shipping_costs_included": g.ShippingCostsIncluded,
		})); err != nil {
			return fmt.Errorf("failed to add events: %w", err)
		}

		queue := e.notifier.Queue()
		queue.Order(notify.EventOrderUpdated, s.order.ID)
		queue.FlushOnCommit(tx)
		grant = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.MeterFromContext(ctx).Count("refunds.granted", 1)
	return &grant, nil
}

func buildGrant(input GrantInput, s *snapshot) (models.GrantedRefund, error) {
	lineIdx := make(map[uuid.UUID]int, len(s.lines))
	for i, l := range s.lines {
		lineIdx[l.ID] = i
	}
	granted := models.GrantedQuantities(s.grants)

	var errs validation.Errors
	var zero, missing, duplicated, over []uuid.UUID
	seen := map[uuid.UUID]struct{}{}
	amount := decimal.Zero
	g := models.GrantedRefund{
		OrderID:  s.order.ID,
		Currency: s.order.Currency,
		Reason:   input.Reason,
		Status:   models.GrantedRefundNone,
	}
	for _, in := range input.Lines {
		if _, dup := seen[in.OrderLineID]; dup {
			duplicated = append(duplicated, in.OrderLineID)
			continue
		}
		seen[in.OrderLineID] = struct{}{}
		if in.Quantity <= 0 {
			zero = append(zero, in.OrderLineID)
			continue
		}
		i, ok := lineIdx[in.OrderLineID]
		if !ok {
			missing = append(missing, in.OrderLineID)
			continue
		}
		line := s.lines[i]
		if granted[line.ID]+in.Quantity > line.Quantity {
			over = append(over, line.ID)
			continue
		}
		amount = amount.Add(line.UnitPrice.Gross.Amount.Mul(decimal.NewFromInt(int64(in.Quantity))))
		g.Lines = append(g.Lines, models.GrantedRefundLine{OrderLineID: line.ID, Quantity: in.Quantity, Reason: in.Reason})
	}
	if len(zero) > 0 {
		errs = append(errs, validation.Error{Field: "lines", Code: validation.CodeZeroQuantity, Message: "quantity must be greater than zero", OrderLineIDs: zero})
	}
	if len(duplicated) > 0 {
		errs = append(errs, validation.Error{Field: "lines", Code: validation.CodeDuplicatedInputItem, Message: "order line given more than once", OrderLineIDs: duplicated})
	}
	if len(missing) > 0 {
		errs = append(errs, validation.Error{Field: "lines", Code: validation.CodeNotFound, Message: "order line not found", OrderLineIDs: missing})
	}
	if len(over) > 0 {
		errs = append(errs, validation.Error{Field: "lines", Code: validation.CodeInvalidQuantity, Message: "quantity exceeds what is left to refund", OrderLineIDs: over})
	}
	if input.IncludeShippingCosts {
		if shippingRefunded(s) {
			errs = append(errs, validation.Error{Field: "includeShippingCosts", Code: validation.CodeCannotRefund, Message: "shipping costs were already refunded"})
		} else {
			amount = amount.Add(s.order.ShippingPrice.Gross.Amount)
			g.ShippingCostsIncluded = true
		}
	}
	if len(errs) > 0 {
		return g, errs
	}

	if input.Amount != nil {
		amount = *input.Amount
	}
	g.Amount = money.New(amount, s.order.Currency).Quantize().Amount
	if !g.Amount.IsPositive() {
		return g, validation.New("amount", validation.CodeCannotRefund, "nothing to grant")
	}
	return g, nil
}
