// Package validation carries the structured per-item errors returned by the
// fulfillment and refund engines.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Code string

const (
	CodeZeroQuantity               Code = "ZERO_QUANTITY"
	CodeDuplicatedInputItem        Code = "DUPLICATED_INPUT_ITEM"
	CodeRequired                   Code = "REQUIRED"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeInsufficientStock          Code = "INSUFFICIENT_STOCK"
	CodeFulfillOrderLine           Code = "FULFILL_ORDER_LINE"
	CodeCannotCancelFulfillment    Code = "CANNOT_CANCEL_FULFILLMENT"
	CodeCannotFulfillUnpaidOrder   Code = "CANNOT_FULFILL_UNPAID_ORDER"
	CodeInvalidTransition          Code = "INVALID_TRANSITION"
	CodeInvalidQuantity            Code = "INVALID_QUANTITY"
	CodeOrderHasMultiplePayments   Code = "ORDER_HAS_MULTIPLE_PAYMENTS"
	CodePaymentsDoNotBelongToOrder Code = "PAYMENTS_DO_NOT_BELONG_TO_ORDER"
	CodeCannotRefund               Code = "CANNOT_REFUND"
)

// Error kinds usable with errors.Is against any Errors value.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrRefund            = errors.New("refund rejected")
)

var codeKinds = map[Code]error{
	CodeZeroQuantity:               ErrValidation,
	CodeDuplicatedInputItem:        ErrValidation,
	CodeRequired:                   ErrValidation,
	CodeNotFound:                   ErrValidation,
	CodeFulfillOrderLine:           ErrInvalidTransition,
	CodeInsufficientStock:          ErrInsufficientStock,
	CodeCannotCancelFulfillment:    ErrInvalidTransition,
	CodeCannotFulfillUnpaidOrder:   ErrInvalidTransition,
	CodeInvalidTransition:          ErrInvalidTransition,
	CodeInvalidQuantity:            ErrRefund,
	CodeOrderHasMultiplePayments:   ErrRefund,
	CodePaymentsDoNotBelongToOrder: ErrRefund,
	CodeCannotRefund:               ErrRefund,
}

// Error is one failing input item.
type Error struct {
	Field        string      `json:"field,omitempty"`
	Code         Code        `json:"code"`
	Message      string      `json:"message"`
	OrderLineIDs []uuid.UUID `json:"order_line_ids,omitempty"`
	WarehouseIDs []uuid.UUID `json:"warehouse_ids,omitempty"`
	PaymentIDs   []uuid.UUID `json:"payment_ids,omitempty"`
}

func (e Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Code, e.Message)
}

func (e Error) Is(target error) bool {
	return codeKinds[e.Code] == target
}

// Errors is the list returned to callers so each failing item can be
// pinpointed.
type Errors []Error

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, item := range e {
		parts = append(parts, item.Error())
	}
	return strings.Join(parts, "; ")
}

func (e Errors) Is(target error) bool {
	for _, item := range e {
		if item.Is(target) {
			return true
		}
	}
	return false
}

// HasCode reports whether any item carries code.
func (e Errors) HasCode(code Code) bool {
	for _, item := range e {
		if item.Code == code {
			return true
		}
	}
	return false
}

// Err returns nil for an empty list.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// New builds a single-item Errors value.
func New(field string, code Code, message string) Errors {
	return Errors{{Field: field, Code: code, Message: message}}
}

// AsErrors extracts the structured list from err, if any.
func AsErrors(err error) (Errors, bool) {
	var list Errors
	if errors.As(err, &list) {
		return list, true
	}
	var single Error
	if errors.As(err, &single) {
		return Errors{single}, true
	}
	return nil, false
}
