// Package money holds amounts as integer minor units (cents). Parsing and
// formatting go through shopspring/decimal so no binary floating point is
// involved at any step.
package money

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is an amount in the smallest currency unit.
type Cents int64

var hundred = decimal.NewFromInt(100)

// FromDecimal converts a major-unit amount, rounding half away from zero
// to the nearest minor unit.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// Parse reads a decimal string with at most two fractional digits.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("parse amount %q: more than 2 fractional digits", s)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for literals.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cents) Decimal() decimal.Decimal { return decimal.New(int64(c), -2) }

// String formats with exactly two fractional digits.
func (c Cents) String() string { return c.Decimal().StringFixed(2) }

// MinorUnits is the integer amount handed to the payment gateway.
func (c Cents) MinorUnits() int64 { return int64(c) }

// Times multiplies by a line quantity.
func (c Cents) Times(qty int) Cents { return c * Cents(qty) }

// MulRate applies a decimal rate (e.g. a tax rate of 0.08) with rounding.
func (c Cents) MulRate(rate decimal.Decimal) Cents {
	return Cents(decimal.NewFromInt(int64(c)).Mul(rate).Round(0).IntPart())
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (c *Cents) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
