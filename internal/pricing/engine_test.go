package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/tax"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

type stubRules struct {
	discounts []discount.Discount
	methods   []shipping.Method
	rates     []tax.Rate
	zones     []zone.Zone
	err       error
}

func (s *stubRules) ListDiscounts(context.Context) ([]discount.Discount, error) {
	return s.discounts, s.err
}

func (s *stubRules) ListShippingMethods(context.Context) ([]shipping.Method, error) {
	return s.methods, nil
}

func (s *stubRules) ListTaxRates(context.Context) ([]tax.Rate, error) {
	return s.rates, nil
}

func (s *stubRules) ListZones(context.Context) ([]zone.Zone, error) {
	return s.zones, nil
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func exampleRules() *stubRules {
	return &stubRules{
		discounts: []discount.Discount{{
			ID: 1, Name: "10% off", Enabled: true, AllPurchasables: true, AllCategories: true,
			PercentDiscount: decimal.RequireFromString("0.1"),
		}},
		methods: []shipping.Method{{
			ID: "ground", Name: "Ground", Enabled: true,
			Rules: []shipping.Rule{{ID: 1, MethodID: "ground", Name: "Anywhere", Enabled: true, BaseRate: 500, PerItemRate: 100}},
		}},
		rates: []tax.Rate{{
			ID: 1, Name: "Sales tax", Enabled: true, ZoneID: 1, TaxCategoryID: "general",
			Rate: decimal.RequireFromString("0.05"), Taxable: tax.TaxablePrice,
		}},
		zones: []zone.Zone{{ID: 1, Name: "US", Countries: []string{"US"}}},
	}
}

func newEngine(rs *stubRules) *Engine {
	return &Engine{
		Discounts: rs,
		Shipping:  rs,
		Taxes:     rs,
		Zones:     rs,
		Usage:     discount.NewMemoryUsage(),
		Now:       func() time.Time { return now },
	}
}

func exampleOrder() *order.Order {
	o := order.New("o1", "USD", order.Customer{ID: "c1"}, now)
	o.ShippingAddress = &zone.Address{Country: "US", State: "CA"}
	o.LineItems = []order.LineItem{{
		ID:                 "li1",
		OrderID:            "o1",
		PurchasableID:      "p1",
		Qty:                2,
		Price:              money.New(10_000, "USD"),
		SalePrice:          money.New(10_000, "USD"),
		TaxCategoryID:      "general",
		ShippingCategoryID: "4",
		Promotable:         true,
		Shippable:          true,
	}}
	return o
}

func TestRecalculateExampleOrder(t *testing.T) {
	res, err := newEngine(exampleRules()).Recalculate(context.Background(), exampleOrder())
	require.NoError(t, err)

	totals := res.Totals()
	require.Equal(t, int64(20_000), totals.ItemSubtotal.Amount)
	require.Equal(t, int64(-2_000), totals.TotalDiscount.Amount)
	require.Equal(t, int64(18_000), totals.DiscountedSubtotal.Amount)
	require.Equal(t, int64(700), totals.TotalShipping.Amount)
	require.Equal(t, int64(500), totals.BaseShippingCost.Amount)
	require.Equal(t, int64(900), totals.TotalTax.Amount)
	require.Equal(t, int64(19_600), totals.TotalPrice.Amount)
	require.Equal(t, int64(19_600), totals.PaymentAmount.Amount)
	require.Equal(t, "ground", totals.ShippingMethodID)
	require.Equal(t, int64(1), totals.ShippingRuleID)
	require.False(t, totals.NeedsAttention)
	require.Equal(t, []int64{1}, res.Applied)
	require.NotNil(t, res.Shipping)
	require.Empty(t, res.Order.Notices)
}

func TestRecalculateIsIdempotentAndPure(t *testing.T) {
	eng := newEngine(exampleRules())
	in := exampleOrder()
	before := in.Clone()

	first, err := eng.Recalculate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, before, in, "input order untouched")

	second, err := eng.Recalculate(context.Background(), first.Order)
	require.NoError(t, err)
	require.Equal(t, first.Order.Adjustments, second.Order.Adjustments)
	require.Equal(t, first.Order.Totals, second.Order.Totals)
	require.Equal(t, first.Order.Notices, second.Order.Notices)
}

func TestRecalculateNoShippingMethod(t *testing.T) {
	rs := exampleRules()
	rs.methods[0].Rules[0].Categories = []shipping.CategoryRule{{ShippingCategoryID: "7", Condition: shipping.Require}}

	res, err := newEngine(rs).Recalculate(context.Background(), exampleOrder())
	require.NoError(t, err)
	require.True(t, res.Order.HasNotice(order.NoticeNoShippingMethod))
	require.True(t, res.Totals().NeedsAttention)
	require.Equal(t, int64(0), res.Totals().TotalShipping.Amount)
	require.Equal(t, int64(18_900), res.Totals().TotalPrice.Amount)
	require.Nil(t, res.Shipping)
}

func TestTaxBaseDependsOnShipping(t *testing.T) {
	rs := exampleRules()
	rs.rates = append(rs.rates, tax.Rate{
		ID: 2, Name: "Delivery tax", Enabled: true, ZoneID: 1, TaxCategoryID: "general",
		Rate: decimal.RequireFromString("0.10"), Taxable: tax.TaxablePriceShipping,
	})
	eng := newEngine(rs)

	taxOf := func(res Result, rateID int64) int64 {
		for _, adj := range res.Order.AdjustmentsOf(order.AdjustmentTax) {
			if adj.Source.ID == rateID {
				return adj.Amount.Amount
			}
		}
		return -1
	}

	cheap, err := eng.Recalculate(context.Background(), exampleOrder())
	require.NoError(t, err)

	rs.methods[0].Rules[0].BaseRate = 1_500
	pricey, err := eng.Recalculate(context.Background(), exampleOrder())
	require.NoError(t, err)

	require.Equal(t, taxOf(cheap, 1), taxOf(pricey, 1), "price-only tax ignores shipping")
	require.Equal(t, int64(1_870), taxOf(cheap, 2))
	require.Equal(t, int64(1_970), taxOf(pricey, 2))
}

func TestRecalculateRegeneratesPipelineNotices(t *testing.T) {
	eng := newEngine(exampleRules())
	o := exampleOrder()
	o.CouponCode = "NOPE"
	o.AddNotice(order.Notice{Type: order.NoticeQtyClamped, Attribute: "qty", Message: "clamped"})

	res, err := eng.Recalculate(context.Background(), o)
	require.NoError(t, err)
	require.True(t, res.Order.HasNotice(order.NoticeCouponInvalid))
	require.True(t, res.Order.HasNotice(order.NoticeQtyClamped))
	require.False(t, res.Totals().NeedsAttention)

	res.Order.CouponCode = ""
	again, err := eng.Recalculate(context.Background(), res.Order)
	require.NoError(t, err)
	require.False(t, again.Order.HasNotice(order.NoticeCouponInvalid))
	require.True(t, again.Order.HasNotice(order.NoticeQtyClamped), "mutation notices survive")
}

func TestRecalculateRejectsCompletedOrders(t *testing.T) {
	o := exampleOrder()
	o.Status = order.StatusCompleted
	_, err := newEngine(exampleRules()).Recalculate(context.Background(), o)
	require.ErrorIs(t, err, order.ErrCompleted)
}

func TestRecalculatePropagatesErrors(t *testing.T) {
	rs := exampleRules()
	rs.err = errors.New("db down")
	_, err := newEngine(rs).Recalculate(context.Background(), exampleOrder())
	require.ErrorContains(t, err, "db down")

	rs = exampleRules()
	rs.rates[0].ZoneID = 99
	_, err = newEngine(rs).Recalculate(context.Background(), exampleOrder())
	require.ErrorIs(t, err, tax.ErrUnknownZone)
	require.Equal(t, common.KindFatal, common.KindOf(err))
}

func TestRecalculateRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	rs := exampleRules()
	rs.methods = nil
	eng := newEngine(rs)
	eng.Metrics = obs.NewPricingMetrics("test", nil, registry)

	_, err := eng.Recalculate(context.Background(), exampleOrder())
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(eng.Metrics.Recalculations.WithLabelValues("ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(eng.Metrics.Notices.WithLabelValues(string(order.NoticeNoShippingMethod))))
}

func TestFreeShippingDiscount(t *testing.T) {
	rs := exampleRules()
	rs.discounts[0].FreeShippingForOrder = true
	res, err := newEngine(rs).Recalculate(context.Background(), exampleOrder())
	require.NoError(t, err)
	require.True(t, res.Totals().FreeShipping)
	require.Equal(t, int64(0), res.Totals().TotalShipping.Amount)
	require.Equal(t, "ground", res.Totals().ShippingMethodID)
	require.Equal(t, int64(18_900), res.Totals().TotalPrice.Amount)
}

func TestShippingOptions(t *testing.T) {
	rs := exampleRules()
	rs.methods = append(rs.methods, shipping.Method{
		ID: "express", Name: "Express", Enabled: true,
		Rules: []shipping.Rule{{ID: 2, MethodID: "express", Enabled: true, BaseRate: 2_000}},
	})
	opts, err := newEngine(rs).ShippingOptions(context.Background(), exampleOrder())
	require.NoError(t, err)
	require.Len(t, opts, 2)
	require.Equal(t, "ground", opts[0].Method.ID)
	require.Equal(t, int64(700), opts[0].Quote.Total)
	require.Equal(t, int64(2_000), opts[1].Quote.Total)
}
