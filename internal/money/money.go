package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned when arithmetic mixes two currencies.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrCurrencyRequired is returned when an amount carries no currency code.
	ErrCurrencyRequired = errors.New("money: currency required")
	// ErrOverflow is returned when a result does not fit into int64 minor units.
	ErrOverflow = errors.New("money: amount overflow")
)

// Money is an amount stored in minor units of an ISO 4217 currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New constructs a Money value normalising the currency code.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCurrency(currency)}
}

// Zero returns a zero amount in the provided currency.
func Zero(currency string) Money {
	return New(0, currency)
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MinorDigits returns the number of minor unit digits used by the currency.
func MinorDigits(currency string) int32 {
	switch NormalizeCurrency(currency) {
	case "JPY", "KRW", "VND", "CLP", "ISK", "UGX", "XAF", "XOF":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND", "LYD", "IQD":
		return 3
	default:
		return 2
	}
}

// FromDecimal converts a major-unit decimal (e.g. 12.34) into minor units.
func FromDecimal(amount decimal.Decimal, currency string, mode Rounding) Money {
	minor := amount.Shift(MinorDigits(currency))
	return New(mode.Apply(minor), currency)
}

// Parse reads a major-unit string such as "12.34" into Money.
func Parse(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", value, err)
	}
	return FromDecimal(d, currency, RoundHalfUp), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount).Shift(-MinorDigits(m.Currency))
}

// String renders the amount as "USD 12.34".
func (m Money) String() string {
	return m.Currency + " " + m.Decimal().StringFixed(MinorDigits(m.Currency))
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// IsPositive reports whether the amount is above zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// SameCurrency reports whether both values share a currency.
func (m Money) SameCurrency(other Money) bool {
	return NormalizeCurrency(m.Currency) == NormalizeCurrency(other.Currency)
}

func (m Money) check(other Money) error {
	if m.Currency == "" || other.Currency == "" {
		return ErrCurrencyRequired
	}
	if !m.SameCurrency(other) {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

// Add sums two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if err := m.check(other); err != nil {
		return Money{}, err
	}
	sum, ok := addInt64(m.Amount, other.Amount)
	if !ok {
		return Money{}, ErrOverflow
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub subtracts other from m.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.check(other); err != nil {
		return Money{}, err
	}
	if other.Amount == math.MinInt64 {
		return Money{}, ErrOverflow
	}
	diff, ok := addInt64(m.Amount, -other.Amount)
	if !ok {
		return Money{}, ErrOverflow
	}
	return Money{Amount: diff, Currency: m.Currency}, nil
}

// Cmp compares two amounts of the same currency returning -1, 0 or 1.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.check(other); err != nil {
		return 0, err
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Neg flips the sign of the amount.
func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// WithAmount returns a copy holding the provided minor-unit amount.
func (m Money) WithAmount(amount int64) Money {
	return Money{Amount: amount, Currency: m.Currency}
}

// Times multiplies the amount by an integer quantity.
func (m Money) Times(qty int64) (Money, error) {
	if qty != 0 && m.Amount != 0 {
		product := m.Amount * qty
		if product/qty != m.Amount {
			return Money{}, ErrOverflow
		}
		return Money{Amount: product, Currency: m.Currency}, nil
	}
	return Money{Amount: 0, Currency: m.Currency}, nil
}

// MulRate multiplies the amount by a decimal rate and rounds to whole minor units.
func (m Money) MulRate(rate decimal.Decimal, mode Rounding) Money {
	return Money{Amount: mode.Apply(decimal.NewFromInt(m.Amount).Mul(rate)), Currency: m.Currency}
}

// FloorZero clamps negative amounts to zero.
func (m Money) FloorZero() Money {
	if m.Amount < 0 {
		return Money{Amount: 0, Currency: m.Currency}
	}
	return m
}

// Sum adds the amounts in the requested currency. An empty list yields zero.
func Sum(currency string, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return Money{}, err
		}
		total = next
	}
	return total, nil
}

// Convert moves an amount into another currency using a stored exchange rate
// expressed as target units per one source unit.
func Convert(m Money, rate decimal.Decimal, target string, mode Rounding) (Money, error) {
	target = NormalizeCurrency(target)
	if target == "" {
		return Money{}, ErrCurrencyRequired
	}
	if target == NormalizeCurrency(m.Currency) {
		return m, nil
	}
	if !rate.IsPositive() {
		return Money{}, fmt.Errorf("money: exchange rate %s to %s must be positive", m.Currency, target)
	}
	return FromDecimal(m.Decimal().Mul(rate), target, mode), nil
}

func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
