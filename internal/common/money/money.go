// Package money holds amounts as integer minor units. Conversion to and from
// provider decimal strings goes through shopspring/decimal so no amount is
// ever rounded through a float.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an upper-case ISO 4217 code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	SEK Currency = "SEK"
)

// zero-decimal currencies; everything else uses two places
var exponents = map[Currency]int32{
	JPY: 0,
	"KRW": 0,
	"ISK": 0,
}

// Exponent is the number of minor-unit digits
func (c Currency) Exponent() int32 {
	if e, ok := exponents[Currency(strings.ToUpper(string(c)))]; ok {
		return e
	}
	return 2
}

// Lower returns the code in the lower-case form some providers require
func (c Currency) Lower() string {
	return strings.ToLower(string(c))
}

// Money is an amount in minor units (cents, pence, yen)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates Money from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: Currency(strings.ToUpper(string(currency)))}
}

// ParseMajor parses a provider decimal string ("12.50") into minor units.
// Amounts more precise than the currency allows are rejected, not rounded.
func ParseMajor(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	exp := currency.Exponent()
	minor := d.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has more than %d decimal places for %s", amount, exp, currency)
	}
	return New(minor.IntPart(), currency), nil
}

// MajorString formats the amount with the currency's precision ("12.50")
func (m Money) MajorString() string {
	exp := m.Currency.Exponent()
	return decimal.New(m.AmountMinor, -exp).StringFixed(exp)
}

// IsPositive reports whether the amount can be charged or transferred
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

func (m Money) String() string {
	return m.MajorString() + " " + string(m.Currency)
}

// Sum adds amounts of one currency
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}
	total := amounts[0]
	for _, a := range amounts[1:] {
		if a.Currency != total.Currency {
			return Money{}, fmt.Errorf("currency mismatch: %s vs %s", total.Currency, a.Currency)
		}
		total.AmountMinor += a.AmountMinor
	}
	return total, nil
}
