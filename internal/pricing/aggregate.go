package pricing

import (
	"fmt"
	"strings"

	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
)

// FloorStrategy bounds the final order total from below.
type FloorStrategy string

const (
	// FloorDefault allows a negative total when discounts exceed the order value.
	FloorDefault FloorStrategy = "default"
	// FloorZero never lets the total drop below zero.
	FloorZero FloorStrategy = "zero"
	// FloorShipping never lets the total drop below the shipping cost.
	FloorShipping FloorStrategy = "shipping"
)

// ParseFloorStrategy maps a configuration value to a FloorStrategy.
func ParseFloorStrategy(value string) (FloorStrategy, error) {
	switch FloorStrategy(strings.ToLower(strings.TrimSpace(value))) {
	case "", FloorDefault:
		return FloorDefault, nil
	case FloorZero:
		return FloorZero, nil
	case FloorShipping:
		return FloorShipping, nil
	default:
		return FloorDefault, fmt.Errorf("pricing: unknown floor strategy %q", value)
	}
}

// Apply floors the summed total. It is only ever applied to the final sum.
func (f FloorStrategy) Apply(total, shipping int64) int64 {
	switch f {
	case FloorZero:
		if total < 0 {
			return 0
		}
	case FloorShipping:
		floor := shipping
		if floor < 0 {
			floor = 0
		}
		if total < floor {
			return floor
		}
	}
	return total
}

// Aggregator derives order totals from the adjustments on an order.
type Aggregator struct {
	Floor    FloorStrategy
	Rounding money.Rounding
}

// Aggregate sums adjustments into totals. The result depends only on the set
// of adjustments, not their order. Shipping selection fields and TotalPaid
// are carried over from o.Totals.
func (a Aggregator) Aggregate(o *order.Order) (order.Totals, error) {
	var discount, shipping, baseShipping, tax, included int64
	for _, adj := range o.Adjustments {
		amt := adj.Amount.Amount
		switch adj.Type {
		case order.AdjustmentDiscount:
			discount += amt
		case order.AdjustmentShipping:
			shipping += amt
			if adj.OrderLevel() {
				baseShipping += amt
			}
		case order.AdjustmentTax, order.AdjustmentTaxIncluded:
			if adj.Included {
				included += amt
			} else {
				tax += amt
			}
		}
	}
	items := o.ItemSubtotal().Amount
	total := a.Floor.Apply(items+discount+shipping+tax, shipping)

	t := order.Totals{
		ItemSubtotal:       o.Money(items),
		DiscountedSubtotal: o.Money(items + discount),
		BaseShippingCost:   o.Money(baseShipping),
		TotalDiscount:      o.Money(discount),
		TotalShipping:      o.Money(shipping),
		TotalTax:           o.Money(tax),
		TotalTaxIncluded:   o.Money(included),
		TotalPrice:         o.Money(total),
		TotalPaid:          o.Totals.TotalPaid,
		ShippingMethodID:   o.Totals.ShippingMethodID,
		ShippingRuleID:     o.Totals.ShippingRuleID,
		FreeShipping:       o.Totals.FreeShipping,
	}
	if t.TotalPaid.Currency == "" {
		t.TotalPaid = o.Money(0)
	}
	t.PaymentAmount = t.TotalPrice
	if pc := money.NormalizeCurrency(o.PaymentCurrency); pc != "" && pc != o.Currency {
		converted, err := money.Convert(t.TotalPrice, o.PaymentRate, pc, a.Rounding)
		if err != nil {
			return order.Totals{}, fmt.Errorf("payment amount: %w", err)
		}
		t.PaymentAmount = converted
	}
	for _, n := range o.Notices {
		if n.Type.Blocking() {
			t.NeedsAttention = true
			break
		}
	}
	return t, nil
}
