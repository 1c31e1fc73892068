//go:build property
// +build property

package pricing

import (
	"context"
	"math/rand"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
)

func randomOrder(prices []int64, qtys []int) *order.Order {
	o := exampleOrder()
	o.LineItems = nil
	for i := 0; i < len(prices) && i < len(qtys); i++ {
		li := exampleOrder().LineItems[0]
		li.ID = string(rune('a' + i))
		li.Qty = qtys[i]
		li.Price = money.New(prices[i], "USD")
		li.SalePrice = li.Price
		o.LineItems = append(o.LineItems, li)
	}
	return o
}

// Property: Recalculate(Recalculate(o)) == Recalculate(o)
func TestRecalculateIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("recalculation is idempotent", prop.ForAll(
		func(prices []int64, qtys []int, pct int) bool {
			rs := exampleRules()
			rs.discounts[0].PercentDiscount = decimal.New(int64(pct), -2)
			eng := newEngine(rs)

			first, err := eng.Recalculate(context.Background(), randomOrder(prices, qtys))
			if err != nil {
				return false
			}
			second, err := eng.Recalculate(context.Background(), first.Order)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(first.Order.Adjustments, second.Order.Adjustments) &&
				first.Order.Totals == second.Order.Totals
		},
		gen.SliceOfN(4, gen.Int64Range(0, 1_000_000)),
		gen.SliceOfN(4, gen.IntRange(1, 20)),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// Property: discounts never push a line item's discounted price below zero,
// and the zero floor never yields a negative total.
func TestNonNegativeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("discounted subtotals and floored totals stay non-negative", prop.ForAll(
		func(prices []int64, qtys []int, base int64) bool {
			rs := exampleRules()
			rs.discounts[0].PercentDiscount = decimal.Zero
			rs.discounts[0].BaseDiscount = base
			rs.discounts[0].PerItemDiscount = base / 3
			eng := newEngine(rs)
			eng.Floor = FloorZero

			res, err := eng.Recalculate(context.Background(), randomOrder(prices, qtys))
			if err != nil {
				return false
			}
			for _, li := range res.Order.LineItems {
				var discounted int64
				for _, adj := range res.Order.LineItemAdjustments(li.ID) {
					if adj.Type == order.AdjustmentDiscount {
						discounted += adj.Amount.Amount
					}
				}
				if li.Subtotal().Amount+discounted < 0 {
					return false
				}
			}
			return res.Totals().TotalPrice.Amount >= 0 && res.Totals().DiscountedSubtotal.Amount >= 0
		},
		gen.SliceOfN(3, gen.Int64Range(0, 50_000)),
		gen.SliceOfN(3, gen.IntRange(1, 5)),
		gen.Int64Range(0, 500_000),
	))

	properties.TestingRun(t)
}

// Property: Aggregate(shuffle(adjustments)) == Aggregate(adjustments)
func TestAggregateCommutativeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregation ignores adjustment order", prop.ForAll(
		func(discounts, shipping, taxes []int64, seed int64) bool {
			o := exampleOrder()
			add := func(t order.AdjustmentType, amounts []int64) {
				for i, amt := range amounts {
					o.Adjustments = append(o.Adjustments, o.NewAdjustment(t, "li1", "x", order.Source{Kind: string(t), ID: int64(i)}, amt))
				}
			}
			add(order.AdjustmentDiscount, discounts)
			add(order.AdjustmentShipping, shipping)
			add(order.AdjustmentTax, taxes)

			agg := Aggregator{Floor: FloorShipping}
			want, err := agg.Aggregate(o)
			if err != nil {
				return false
			}
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(o.Adjustments), func(i, j int) {
				o.Adjustments[i], o.Adjustments[j] = o.Adjustments[j], o.Adjustments[i]
			})
			got, err := agg.Aggregate(o)
			return err == nil && got == want
		},
		gen.SliceOf(gen.Int64Range(-10_000, 0)),
		gen.SliceOf(gen.Int64Range(0, 5_000)),
		gen.SliceOf(gen.Int64Range(0, 2_000)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
