// Package money provides exact decimal amounts tagged with a currency.
//
// Arithmetic never rounds. Quantize is the only place amounts are rounded,
// half-up to the currency's minor unit, and callers apply it when a value
// leaves the engine (persistence, gateway calls, comparisons against stored
// totals).
package money

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrCurrencyMismatch = errors.New("money: currency mismatch")

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "ISK": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {},
	"XOF": {}, "XPF": {},
}

var threeDecimalCurrencies = map[string]struct{}{
	"BHD": {}, "IQD": {}, "JOD": {}, "KWD": {}, "LYD": {}, "OMR": {}, "TND": {},
}

// Precision returns the number of minor-unit digits for a currency code.
func Precision(currency string) int32 {
	code := strings.ToUpper(currency)
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[code]; ok {
		return 3
	}
	return 2
}

// CurrenciesWithPrecision lists the codes with the given number of minor-unit
// digits, sorted. Two-digit currencies are the default and are not listed.
func CurrenciesWithPrecision(digits int32) []string {
	var set map[string]struct{}
	switch digits {
	case 0:
		set = zeroDecimalCurrencies
	case 3:
		set = threeDecimalCurrencies
	default:
		return nil
	}
	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

func Zero(currency string) Money {
	return New(decimal.Zero, currency)
}

// Parse builds Money from a decimal string such as "10.00".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", amount, err)
	}
	return New(d, currency), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) sameCurrency(other Money) error {
	if !strings.EqualFold(m.Currency, other.Currency) {
		return fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Mul(quantity int) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(int64(quantity))), Currency: m.Currency}
}

// Quantize rounds half-up (away from zero on ties) to the currency's minor unit.
func (m Money) Quantize() Money {
	return Money{Amount: m.Amount.Round(Precision(m.Currency)), Currency: m.Currency}
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal reports whether both values carry the same currency and amount.
func (m Money) Equal(other Money) bool {
	return strings.EqualFold(m.Currency, other.Currency) && m.Amount.Equal(other.Amount)
}

func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// NonNegative clamps negative amounts to zero.
func (m Money) NonNegative() Money {
	if m.Amount.IsNegative() {
		return Zero(m.Currency)
	}
	return m
}

// MinorUnits returns the quantized amount as an integer count of minor units.
func (m Money) MinorUnits() int64 {
	return m.Quantize().Amount.Shift(Precision(m.Currency)).IntPart()
}

func (m Money) String() string {
	return m.Quantize().Amount.StringFixed(Precision(m.Currency)) + " " + m.Currency
}
