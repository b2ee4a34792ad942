package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value. It marshals as a JSON number with two decimals.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps d without rounding.
func NewAmount(d decimal.Decimal) Amount { return Amount{Decimal: d} }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	a.Decimal = d
	return nil
}
