package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TaxedMoney is a net/gross pair in a single currency.
type TaxedMoney struct {
	Net   Money `json:"net"`
	Gross Money `json:"gross"`
}

func NewTaxed(net, gross decimal.Decimal, currency string) TaxedMoney {
	return TaxedMoney{Net: New(net, currency), Gross: New(gross, currency)}
}

func ZeroTaxed(currency string) TaxedMoney {
	return TaxedMoney{Net: Zero(currency), Gross: Zero(currency)}
}

// MustParseTaxed is a literal helper: MustParseTaxed("8.13", "10.00", "USD").
func MustParseTaxed(net, gross, currency string) TaxedMoney {
	return TaxedMoney{Net: MustParse(net, currency), Gross: MustParse(gross, currency)}
}

func (t TaxedMoney) Currency() string {
	return t.Gross.Currency
}

func (t TaxedMoney) Add(other TaxedMoney) (TaxedMoney, error) {
	net, err := t.Net.Add(other.Net)
	if err != nil {
		return TaxedMoney{}, err
	}
	gross, err := t.Gross.Add(other.Gross)
	if err != nil {
		return TaxedMoney{}, err
	}
	return TaxedMoney{Net: net, Gross: gross}, nil
}

func (t TaxedMoney) Sub(other TaxedMoney) (TaxedMoney, error) {
	net, err := t.Net.Sub(other.Net)
	if err != nil {
		return TaxedMoney{}, err
	}
	gross, err := t.Gross.Sub(other.Gross)
	if err != nil {
		return TaxedMoney{}, err
	}
	return TaxedMoney{Net: net, Gross: gross}, nil
}

func (t TaxedMoney) Mul(quantity int) TaxedMoney {
	return TaxedMoney{Net: t.Net.Mul(quantity), Gross: t.Gross.Mul(quantity)}
}

func (t TaxedMoney) Quantize() TaxedMoney {
	return TaxedMoney{Net: t.Net.Quantize(), Gross: t.Gross.Quantize()}
}

func (t TaxedMoney) Equal(other TaxedMoney) bool {
	return t.Net.Equal(other.Net) && t.Gross.Equal(other.Gross)
}

// LessThan reports whether either component of t is below the matching
// component of other.
func (t TaxedMoney) LessThan(other TaxedMoney) (bool, error) {
	netCmp, err := t.Net.Cmp(other.Net)
	if err != nil {
		return false, err
	}
	grossCmp, err := t.Gross.Cmp(other.Gross)
	if err != nil {
		return false, err
	}
	return netCmp < 0 || grossCmp < 0, nil
}

// Sum adds values in order. An empty input yields zero in currency.
func Sum(currency string, values ...TaxedMoney) (TaxedMoney, error) {
	total := ZeroTaxed(currency)
	for i, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return TaxedMoney{}, fmt.Errorf("value %d: %w", i, err)
		}
		total = next
	}
	return total, nil
}

func (t TaxedMoney) String() string {
	return fmt.Sprintf("net=%s gross=%s", t.Net, t.Gross)
}
