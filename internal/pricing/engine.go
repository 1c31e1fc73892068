package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/tax"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

// Pipeline stage names, used as span names.
const (
	StageDiscounts = "pricing.discounts"
	StageShipping  = "pricing.shipping"
	StageTax       = "pricing.tax"
	StageAggregate = "pricing.aggregate"
)

// Engine recalculates orders from scratch: discounts, then shipping, then
// tax, then aggregation. Each stage consumes the previous stage's output.
type Engine struct {
	Discounts discount.Source
	Shipping  shipping.Source
	Taxes     tax.Source
	Zones     zone.Source

	// ZoneMatcher defaults to whole-zone membership.
	ZoneMatcher zone.Matcher
	Usage       discount.UsageCounter
	Rounding    money.Rounding
	Floor       FloorStrategy
	TaxBasis    tax.Basis

	Log     zerolog.Logger
	Metrics *obs.PricingMetrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Result is a recalculated copy of the order with the stage outputs.
type Result struct {
	Order    *order.Order
	Coupon   *discount.Discount
	Shipping *shipping.Option
	// Applied lists the ids of applied discounts in application order.
	Applied []int64
}

// Totals returns the recalculated totals.
func (r Result) Totals() order.Totals {
	return r.Order.Totals
}

type rules struct {
	discounts []discount.Discount
	methods   []shipping.Method
	rates     []tax.Rate
	zones     map[int64]zone.Zone
}

// Recalculate prices a copy of o. The input order is never modified, and
// running it again on the result yields identical adjustments and totals.
func (e *Engine) Recalculate(ctx context.Context, o *order.Order) (Result, error) {
	if o.IsCompleted() {
		return Result{}, order.ErrCompleted
	}
	start := time.Now()
	res, err := e.recalculate(ctx, o)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		log := obs.WithTrace(ctx, e.Log)
		log.Error().Err(err).Str("order_id", o.ID).Msg("order recalculation failed")
	}
	e.Metrics.ObserveRecalculation(outcome, time.Since(start))
	if err != nil {
		return Result{}, err
	}

	for _, n := range res.Order.Notices {
		if order.IsPipelineNotice(n.Type) {
			e.Metrics.ObserveNotice(string(n.Type))
		}
	}
	e.Log.Debug().
		Str("order_id", o.ID).
		Str("currency", o.Currency).
		Int64("total_price", res.Order.Totals.TotalPrice.Amount).
		Int("notices", len(res.Order.Notices)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("order recalculated")
	return res, nil
}

func (e *Engine) recalculate(ctx context.Context, in *order.Order) (Result, error) {
	rs, err := e.loadRules(ctx)
	if err != nil {
		return Result{}, err
	}
	o := in.Clone()
	o.Adjustments = nil
	o.Totals.ShippingMethodID = ""
	o.Totals.ShippingRuleID = 0
	o.Totals.FreeShipping = false
	o.ClearNotices(order.IsPipelineNotice)

	dres, err := e.discountStage(ctx, o, rs)
	if err != nil {
		return Result{}, err
	}
	sres, err := e.shippingStage(ctx, o, rs, dres)
	if err != nil {
		return Result{}, err
	}
	if err := e.taxStage(ctx, o, rs, sres.Allocation); err != nil {
		return Result{}, err
	}

	_, end := obs.StartStage(ctx, e.Tracer, StageAggregate, o.ID)
	totals, err := Aggregator{Floor: e.Floor, Rounding: e.Rounding}.Aggregate(o)
	end(err)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", StageAggregate, err)
	}
	o.Totals = totals

	return Result{Order: o, Coupon: dres.Coupon, Shipping: sres.Option, Applied: dres.Applied}, nil
}

func (e *Engine) discountStage(ctx context.Context, o *order.Order, rs rules) (discount.Result, error) {
	ctx, end := obs.StartStage(ctx, e.Tracer, StageDiscounts, o.ID)
	m := discount.Matcher{Usage: e.Usage, Rounding: e.Rounding}
	res, err := m.Match(ctx, o, rs.discounts, e.now())
	end(err)
	if err != nil {
		return discount.Result{}, fmt.Errorf("%s: %w", StageDiscounts, err)
	}
	o.Adjustments = append(o.Adjustments, res.Adjustments...)
	for _, n := range res.Notices {
		o.AddNotice(n)
	}
	return res, nil
}

func (e *Engine) shippingStage(ctx context.Context, o *order.Order, rs rules, dres discount.Result) (shipping.Result, error) {
	_, end := obs.StartStage(ctx, e.Tracer, StageShipping, o.ID)
	m := shipping.Matcher{Zones: e.ZoneMatcher, Rounding: e.Rounding, Log: e.Log}
	res, err := m.Apply(o, rs.methods, rs.zones, freeShipping(dres))
	end(err)
	if err != nil {
		return shipping.Result{}, fmt.Errorf("%s: %w", StageShipping, err)
	}
	o.Adjustments = append(o.Adjustments, res.Adjustments...)
	for _, n := range res.Notices {
		o.AddNotice(n)
	}
	if res.Option != nil {
		o.Totals.ShippingMethodID = res.Option.Method.ID
		o.Totals.ShippingRuleID = res.Option.Rule.ID
		o.Totals.FreeShipping = res.Option.Quote.Free
	}
	return res, nil
}

func (e *Engine) taxStage(ctx context.Context, o *order.Order, rs rules, allocation map[string]int64) error {
	_, end := obs.StartStage(ctx, e.Tracer, StageTax, o.ID)
	c := tax.Calculator{Zones: e.ZoneMatcher, Rounding: e.Rounding, Basis: e.TaxBasis}
	adjs, err := c.Apply(o, rs.rates, rs.zones, allocation)
	end(err)
	if err != nil {
		return fmt.Errorf("%s: %w", StageTax, err)
	}
	o.Adjustments = append(o.Adjustments, adjs...)
	return nil
}

// ShippingOptions lists every viable shipping method for the order with its
// cost, taking discount-granted free shipping into account.
func (e *Engine) ShippingOptions(ctx context.Context, o *order.Order) ([]shipping.Option, error) {
	rs, err := e.loadRules(ctx)
	if err != nil {
		return nil, err
	}
	cp := o.Clone()
	cp.Adjustments = nil
	m := discount.Matcher{Usage: e.Usage, Rounding: e.Rounding}
	dres, err := m.Match(ctx, cp, rs.discounts, e.now())
	if err != nil {
		return nil, err
	}
	sm := shipping.Matcher{Zones: e.ZoneMatcher, Rounding: e.Rounding, Log: e.Log}
	return sm.Options(cp, rs.methods, rs.zones, freeShipping(dres))
}

func freeShipping(res discount.Result) shipping.FreeShipping {
	return shipping.FreeShipping{Order: res.FreeShippingOrder, Items: res.FreeShippingItems}
}

func (e *Engine) loadRules(ctx context.Context) (rules, error) {
	var rs rules
	var err error
	if e.Discounts != nil {
		if rs.discounts, err = e.Discounts.ListDiscounts(ctx); err != nil {
			return rules{}, fmt.Errorf("list discounts: %w", err)
		}
	}
	if e.Shipping != nil {
		if rs.methods, err = e.Shipping.ListShippingMethods(ctx); err != nil {
			return rules{}, fmt.Errorf("list shipping methods: %w", err)
		}
	}
	if e.Taxes != nil {
		if rs.rates, err = e.Taxes.ListTaxRates(ctx); err != nil {
			return rules{}, fmt.Errorf("list tax rates: %w", err)
		}
	}
	if e.Zones != nil {
		zones, err := e.Zones.ListZones(ctx)
		if err != nil {
			return rules{}, fmt.Errorf("list zones: %w", err)
		}
		rs.zones = zone.Index(zones)
	}
	return rs, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
