package refunds

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/validation"
)

// OrderLineRefund takes quantity that was never fulfilled.
type OrderLineRefund struct {
	OrderLineID uuid.UUID
	Quantity    int
	// Replace is honored by returns only.
	Replace bool
}

// FulfillmentLineRefund takes quantity out of an existing fulfillment.
type FulfillmentLineRefund struct {
	FulfillmentLineID uuid.UUID
	Quantity          int
	// Replace is honored by returns only.
	Replace bool
}

// PaymentRefund assigns part of the refund to one payment. A nil Amount
// takes the share computed from the refunded lines.
type PaymentRefund struct {
	PaymentID            uuid.UUID
	Amount               *decimal.Decimal
	IncludeShippingCosts bool
}

type RefundInput struct {
	OrderID              uuid.UUID
	Actor                models.Actor
	AmountToRefund       *decimal.Decimal
	IncludeShippingCosts bool
	OrderLines           []OrderLineRefund
	FulfillmentLines     []FulfillmentLineRefund
	PaymentsToRefund     []PaymentRefund
	Reason               string
}

type ReturnInput struct {
	OrderID uuid.UUID
	Actor   models.Actor
	// Refund also refunds the returned lines that are not replaced.
	Refund               bool
	AmountToRefund       *decimal.Decimal
	IncludeShippingCosts bool
	OrderLines           []OrderLineRefund
	FulfillmentLines     []FulfillmentLineRefund
	PaymentsToRefund     []PaymentRefund
	Reason               string
}

// request is the common shape of refunds and returns.
type request struct {
	orderID          uuid.UUID
	actor            models.Actor
	returning        bool
	refund           bool
	amount           *decimal.Decimal
	includeShipping  bool
	orderLines       []OrderLineRefund
	fulfillmentLines []FulfillmentLineRefund
	payments         []PaymentRefund
	reason           string
}

func (in RefundInput) request() request {
	orderLines := make([]OrderLineRefund, len(in.OrderLines))
	for i, l := range in.OrderLines {
		l.Replace = false
		orderLines[i] = l
	}
	fulfillmentLines := make([]FulfillmentLineRefund, len(in.FulfillmentLines))
	for i, l := range in.FulfillmentLines {
		l.Replace = false
		fulfillmentLines[i] = l
	}
	return request{
		orderID:          in.OrderID,
		actor:            in.Actor,
		refund:           true,
		amount:           in.AmountToRefund,
		includeShipping:  in.IncludeShippingCosts,
		orderLines:       orderLines,
		fulfillmentLines: fulfillmentLines,
		payments:         in.PaymentsToRefund,
		reason:           in.Reason,
	}
}

func (in ReturnInput) request() request {
	return request{
		orderID:          in.OrderID,
		actor:            in.Actor,
		returning:        true,
		refund:           in.Refund,
		amount:           in.AmountToRefund,
		includeShipping:  in.IncludeShippingCosts,
		orderLines:       in.OrderLines,
		fulfillmentLines: in.FulfillmentLines,
		payments:         in.PaymentsToRefund,
		reason:           in.Reason,
	}
}

// validateShape checks what can be checked without reading the order.
func validateShape(req request) error {
	if err := req.actor.Validate(); err != nil {
		return validation.New("actor", validation.CodeRequired, err.Error())
	}

	var errs validation.Errors
	noLines := len(req.orderLines) == 0 && len(req.fulfillmentLines) == 0
	switch {
	case req.returning && noLines:
		errs = append(errs, validation.Error{Field: "orderLines", Code: validation.CodeRequired, Message: "at least one line is required"})
	case noLines && req.amount == nil:
		errs = append(errs, validation.Error{Field: "amountToRefund", Code: validation.CodeRequired, Message: "lines or an amount to refund are required"})
	}

	var zero []uuid.UUID
	var duplicated []uuid.UUID
	seen := map[uuid.UUID]struct{}{}
	for _, l := range req.orderLines {
		if l.Quantity <= 0 {
			zero = append(zero, l.OrderLineID)
		}
		if _, dup := seen[l.OrderLineID]; dup {
			duplicated = append(duplicated, l.OrderLineID)
		}
		seen[l.OrderLineID] = struct{}{}
	}
	if len(zero) > 0 {
		errs = append(errs, validation.Error{Field: "orderLines", Code: validation.CodeZeroQuantity, Message: "quantity must be greater than zero", OrderLineIDs: zero})
	}
	if len(duplicated) > 0 {
		errs = append(errs, validation.Error{Field: "orderLines", Code: validation.CodeDuplicatedInputItem, Message: "order line given more than once", OrderLineIDs: duplicated})
	}

	var zeroFulfillment, duplicatedFulfillment int
	seenFulfillment := map[uuid.UUID]struct{}{}
	for _, l := range req.fulfillmentLines {
		if l.Quantity <= 0 {
			zeroFulfillment++
		}
		if _, dup := seenFulfillment[l.FulfillmentLineID]; dup {
			duplicatedFulfillment++
		}
		seenFulfillment[l.FulfillmentLineID] = struct{}{}
	}
	if zeroFulfillment > 0 {
		errs = append(errs, validation.Error{Field: "fulfillmentLines", Code: validation.CodeZeroQuantity, Message: "quantity must be greater than zero"})
	}
	if duplicatedFulfillment > 0 {
		errs = append(errs, validation.Error{Field: "fulfillmentLines", Code: validation.CodeDuplicatedInputItem, Message: "fulfillment line given more than once"})
	}

	if req.amount != nil && !req.amount.IsPositive() {
		errs = append(errs, validation.Error{Field: "amountToRefund", Code: validation.CodeCannotRefund, Message: "amount to refund must be positive"})
	}
	if req.amount != nil && !req.refund {
		errs = append(errs, validation.Error{Field: "amountToRefund", Code: validation.CodeCannotRefund, Message: "amount given for a return without refund"})
	}
	return errs.Err()
}

// move is quantity of one order line leaving its current place. source is
// nil for quantity that was never fulfilled.
type move struct {
	line     *models.OrderLine
	source   *models.FulfillmentLine
	quantity int
	replace  bool
	refunded bool
}

func refundSources(returning bool) map[models.FulfillmentStatus]struct{} {
	if returning {
		return map[models.FulfillmentStatus]struct{}{
			models.FulfillmentFulfilled: {},
			models.FulfillmentRefunded:  {},
		}
	}
	return map[models.FulfillmentStatus]struct{}{
		models.FulfillmentFulfilled: {},
		models.FulfillmentReturned:  {},
	}
}

// resolveMoves maps the requested lines onto the locked snapshot and checks
// quantities against what is left on each line and against the refund
// ledger. Every failing line is reported.
func resolveMoves(req request, s *snapshot) ([]move, error) {
	lineIdx := make(map[uuid.UUID]int, len(s.lines))
	for i, l := range s.lines {
		lineIdx[l.ID] = i
	}
	type position struct{ f, l int }
	sourceIdx := map[uuid.UUID]position{}
	for fi, f := range s.fulfillments {
		for li, fl := range f.Lines {
			sourceIdx[fl.ID] = position{fi, li}
		}
	}
	granted := models.GrantedQuantities(s.grants)
	allowed := refundSources(req.returning)

	var errs validation.Errors
	var missingLines, overUnfulfilled, overLedger []uuid.UUID
	moves := make([]move, 0, len(req.orderLines)+len(req.fulfillmentLines))
	requested := map[uuid.UUID]int{}

	checkLedger := func(m move) {
		if !m.refunded {
			return
		}
		requested[m.line.ID] += m.quantity
		if granted[m.line.ID]+requested[m.line.ID] > m.line.Quantity {
			overLedger = append(overLedger, m.line.ID)
		}
	}

	for _, in := range req.orderLines {
		i, ok := lineIdx[in.OrderLineID]
		if !ok {
			missingLines = append(missingLines, in.OrderLineID)
			continue
		}
		line := &s.lines[i]
		if in.Quantity > line.QuantityUnfulfilled() {
			overUnfulfilled = append(overUnfulfilled, line.ID)
			continue
		}
		m := move{line: line, quantity: in.Quantity, replace: in.Replace, refunded: req.refund && !in.Replace}
		checkLedger(m)
		moves = append(moves, m)
	}

	var missingSources int
	var overSource []uuid.UUID
	var wrongStatus []string
	for _, in := range req.fulfillmentLines {
		pos, ok := sourceIdx[in.FulfillmentLineID]
		if !ok {
			missingSources++
			continue
		}
		f := &s.fulfillments[pos.f]
		source := &f.Lines[pos.l]
		if _, ok := allowed[f.Status]; !ok {
			wrongStatus = append(wrongStatus, fmt.Sprintf("%s (%s)", f.ID, f.Status))
			continue
		}
		i, ok := lineIdx[source.OrderLineID]
		if !ok {
			missingSources++
			continue
		}
		if in.Quantity > source.Quantity {
			overSource = append(overSource, source.OrderLineID)
			continue
		}
		m := move{line: &s.lines[i], source: source, quantity: in.Quantity, replace: in.Replace, refunded: req.refund && !in.Replace}
		checkLedger(m)
		moves = append(moves, m)
	}

	if len(missingLines) > 0 {
		errs = append(errs, validation.Error{Field: "orderLines", Code: validation.CodeNotFound, Message: "order line not found", OrderLineIDs: missingLines})
	}
	if missingSources > 0 {
		errs = append(errs, validation.Error{Field: "fulfillmentLines", Code: validation.CodeNotFound, Message: fmt.Sprintf("%d fulfillment line(s) not found", missingSources)})
	}
	if len(wrongStatus) > 0 {
		errs = append(errs, validation.Error{Field: "fulfillmentLines", Code: validation.CodeCannotRefund, Message: fmt.Sprintf("lines cannot be taken from fulfillments %v", wrongStatus)})
	}
	if len(overUnfulfilled) > 0 {
		errs = append(errs, validation.Error{Field: "orderLines", Code: validation.CodeInvalidQuantity, Message: "quantity exceeds the unfulfilled quantity", OrderLineIDs: overUnfulfilled})
	}
	if len(overSource) > 0 {
		errs = append(errs, validation.Error{Field: "fulfillmentLines", Code: validation.CodeInvalidQuantity, Message: "quantity exceeds the fulfilled quantity", OrderLineIDs: overSource})
	}
	if len(overLedger) > 0 {
		errs = append(errs, validation.Error{Field: "orderLines", Code: validation.CodeInvalidQuantity, Message: "quantity exceeds what is left to refund", OrderLineIDs: uniqueIDs(overLedger)})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return moves, nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
