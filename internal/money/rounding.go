package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rounding selects how fractional minor units are resolved.
type Rounding int

const (
	// RoundHalfUp rounds halves away from zero.
	RoundHalfUp Rounding = iota
	// RoundHalfEven rounds halves to the nearest even unit.
	RoundHalfEven
	// RoundDown truncates towards zero.
	RoundDown
)

// ParseRounding maps a configuration value to a Rounding mode.
func ParseRounding(value string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "half_up", "halfup":
		return RoundHalfUp, nil
	case "half_even", "halfeven", "bankers":
		return RoundHalfEven, nil
	case "down", "truncate":
		return RoundDown, nil
	default:
		return RoundHalfUp, fmt.Errorf("money: unknown rounding mode %q", value)
	}
}

// String implements fmt.Stringer.
func (r Rounding) String() string {
	switch r {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	default:
		return "half_up"
	}
}

// Apply rounds a minor-unit decimal to a whole number of minor units.
func (r Rounding) Apply(d decimal.Decimal) int64 {
	switch r {
	case RoundHalfEven:
		return d.RoundBank(0).IntPart()
	case RoundDown:
		return d.Truncate(0).IntPart()
	default:
		return d.Round(0).IntPart()
	}
}
