package shipping

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

// SourceKind tags adjustments produced by shipping rules.
const SourceKind = "shippingRule"

// FreeShipping carries discount-granted free shipping into the stage.
type FreeShipping struct {
	Order bool
	Items map[string]bool
}

// Quote is the cost of shipping an order with one rule.
type Quote struct {
	MethodID string `json:"methodId"`
	RuleID   int64  `json:"ruleId"`
	// OrderLevel is the base rate plus the min/max clamp delta.
	OrderLevel int64            `json:"orderLevel"`
	PerItem    map[string]int64 `json:"perItem,omitempty"`
	Total      int64            `json:"total"`
	Free       bool             `json:"free"`
}

// Option is a viable shipping method for the order.
type Option struct {
	Method Method `json:"method"`
	Rule   Rule   `json:"rule"`
	Quote  Quote  `json:"quote"`
}

// Result is the output of the shipping stage.
type Result struct {
	Option      *Option
	Adjustments []order.Adjustment
	// Allocation is each line item's share of shipping, used as a tax base.
	Allocation map[string]int64
	Notices    []order.Notice
	// Skipped is true when the order has nothing to ship.
	Skipped bool
}

// Matcher selects rules and prices shipping.
type Matcher struct {
	Zones    zone.Matcher
	Rounding money.Rounding
	Log      zerolog.Logger
}

type totals struct {
	qty        int
	subtotal   int64
	weight     decimal.Decimal
	categories map[string]bool
}

// ruleTotals collects the values rule filters compare against. Quantity and
// subtotal cover every line item; weight and categories only shippable ones.
func ruleTotals(o *order.Order) totals {
	t := totals{weight: decimal.Zero, categories: map[string]bool{}}
	for _, li := range o.LineItems {
		t.qty += li.Qty
		t.subtotal += li.Subtotal().Amount
		if !li.Shippable {
			continue
		}
		t.weight = t.weight.Add(li.TotalWeight())
		t.categories[li.ShippingCategoryID] = true
	}
	return t
}

// HasShippableItems reports whether any line item needs shipping.
func HasShippableItems(o *order.Order) bool {
	for _, li := range o.LineItems {
		if li.Shippable {
			return true
		}
	}
	return false
}

// MatchRule runs the rule's filter chain against the order. A nil error
// means the rule matches; rejections wrap ErrRejected.
func (m Matcher) MatchRule(r Rule, o *order.Order, zones map[int64]zone.Zone) error {
	if !r.Enabled {
		return ErrDisabled
	}
	t := ruleTotals(o)
	if len(t.categories) > 0 {
		for _, c := range r.Categories {
			switch c.Condition {
			case Disallow:
				if t.categories[c.ShippingCategoryID] {
					return fmt.Errorf("%w: %s", ErrCategoryDisallowed, c.ShippingCategoryID)
				}
			case Require:
				if !t.categories[c.ShippingCategoryID] {
					return fmt.Errorf("%w: %s", ErrCategoryRequired, c.ShippingCategoryID)
				}
			}
		}
	}
	if r.ZoneID != 0 {
		z, ok := zones[r.ZoneID]
		if !ok {
			return fmt.Errorf("%w: rule %d zone %d", ErrUnknownZone, r.ID, r.ZoneID)
		}
		addr := o.ShippingAddressForRules()
		if addr == nil {
			return ErrAddressRequired
		}
		if !m.zoneMatcher().AddressMatchesZone(*addr, z) {
			return ErrZoneMismatch
		}
	}
	if r.MinQty > 0 && t.qty < r.MinQty {
		return ErrQtyOutOfRange
	}
	if r.MaxQty > 0 && t.qty > r.MaxQty {
		return ErrQtyOutOfRange
	}
	if r.MinTotal > 0 && t.subtotal < r.MinTotal {
		return ErrTotalOutOfRange
	}
	if r.MaxTotal > 0 && t.subtotal >= r.MaxTotal {
		return ErrTotalOutOfRange
	}
	if r.MinWeight.IsPositive() && t.weight.LessThan(r.MinWeight) {
		return ErrWeightOutOfRange
	}
	if r.MaxWeight.IsPositive() && t.weight.GreaterThanOrEqual(r.MaxWeight) {
		return ErrWeightOutOfRange
	}
	return nil
}

// SelectRule returns the first rule of the method that matches, in priority
// order. Nil means the method is not viable for the order.
func (m Matcher) SelectRule(method Method, o *order.Order, zones map[int64]zone.Zone) (*Rule, error) {
	if !method.Enabled {
		return nil, nil
	}
	rules := append([]Rule(nil), method.Rules...)
	SortRules(rules)
	for _, r := range rules {
		err := m.MatchRule(r, o, zones)
		if err == nil {
			rule := r
			return &rule, nil
		}
		if !errors.Is(err, ErrRejected) {
			return nil, err
		}
		m.Log.Trace().Str("method_id", method.ID).Int64("rule_id", r.ID).Err(err).Msg("shipping rule rejected")
	}
	return nil, nil
}

// Cost prices the order with the rule. Per-item contributions use the
// category override of each line item and are summed; free-shipping and
// non-shippable items contribute nothing, including to the percentage term.
func (m Matcher) Cost(r Rule, o *order.Order, free FreeShipping) Quote {
	q := Quote{MethodID: r.MethodID, RuleID: r.ID, PerItem: map[string]int64{}}
	if free.Order {
		q.Free = true
		return q
	}
	var raw int64
	chargeable := false
	for _, li := range o.LineItems {
		if !chargeableItem(li, free) {
			continue
		}
		chargeable = true
		qty := decimal.NewFromInt(int64(li.Qty))
		c := r.perItemRate(li.ShippingCategoryID) * int64(li.Qty)
		c += m.Rounding.Apply(r.weightRate(li.ShippingCategoryID).Mul(li.Weight).Mul(qty))
		c += m.Rounding.Apply(r.percentageRate(li.ShippingCategoryID).Mul(decimal.NewFromInt(li.Subtotal().Amount)))
		if c != 0 {
			q.PerItem[li.ID] = c
		}
		raw += c
	}
	if !chargeable {
		q.Free = true
		return q
	}
	raw += r.BaseRate
	clamped := raw
	if r.MinRate > 0 && clamped < r.MinRate {
		clamped = r.MinRate
	}
	if r.MaxRate > 0 && clamped > r.MaxRate {
		clamped = r.MaxRate
	}
	q.OrderLevel = r.BaseRate + (clamped - raw)
	q.Total = clamped
	return q
}

func chargeableItem(li order.LineItem, free FreeShipping) bool {
	return li.Shippable && !li.FreeShipping && !free.Items[li.ID]
}

// Options lists every viable method with its winning rule and quote,
// cheapest first.
func (m Matcher) Options(o *order.Order, methods []Method, zones map[int64]zone.Zone, free FreeShipping) ([]Option, error) {
	var out []Option
	for _, method := range methods {
		rule, err := m.SelectRule(method, o, zones)
		if err != nil {
			return nil, fmt.Errorf("shipping method %s: %w", method.ID, err)
		}
		if rule == nil {
			continue
		}
		q := m.Cost(*rule, o, free)
		q.MethodID = method.ID
		out = append(out, Option{Method: method, Rule: *rule, Quote: q})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Quote.Total == out[j].Quote.Total {
			return out[i].Method.ID < out[j].Method.ID
		}
		return out[i].Quote.Total < out[j].Quote.Total
	})
	return out, nil
}

// SelectShippingOption returns the order's selected method when viable,
// otherwise the cheapest viable option. Nil means nothing matches.
func (m Matcher) SelectShippingOption(o *order.Order, methods []Method, zones map[int64]zone.Zone, free FreeShipping) (*Option, error) {
	options, err := m.Options(o, methods, zones, free)
	if err != nil || len(options) == 0 {
		return nil, err
	}
	if o.ShippingMethodID != "" {
		for i := range options {
			if options[i].Method.ID == o.ShippingMethodID {
				return &options[i], nil
			}
		}
	}
	return &options[0], nil
}

// Apply runs the shipping stage: selects an option, emits adjustments and
// allocates the order-level amount to line items.
func (m Matcher) Apply(o *order.Order, methods []Method, zones map[int64]zone.Zone, free FreeShipping) (Result, error) {
	if !HasShippableItems(o) {
		return Result{Skipped: true}, nil
	}
	opt, err := m.SelectShippingOption(o, methods, zones, free)
	if err != nil {
		return Result{}, err
	}
	res := Result{}
	if opt == nil {
		res.Notices = append(res.Notices, order.Notice{
			Type:      order.NoticeNoShippingMethod,
			Attribute: "shippingMethodId",
			Message:   "No shipping method is available for this order.",
		})
		return res, nil
	}
	if o.ShippingMethodID != "" && opt.Method.ID != o.ShippingMethodID {
		res.Notices = append(res.Notices, order.Notice{
			Type:      order.NoticeShippingMethodChanged,
			Attribute: "shippingMethodId",
			Message:   fmt.Sprintf("Shipping method %s is not available; %s was selected instead.", o.ShippingMethodID, opt.Method.Name),
		})
	}
	res.Option = opt

	src, err := sourceFor(*opt)
	if err != nil {
		return Result{}, err
	}
	for _, li := range o.LineItems {
		if amt := opt.Quote.PerItem[li.ID]; amt != 0 {
			res.Adjustments = append(res.Adjustments, o.NewAdjustment(order.AdjustmentShipping, li.ID, opt.Method.Name, src, amt))
		}
	}
	if opt.Quote.OrderLevel != 0 {
		res.Adjustments = append(res.Adjustments, o.NewAdjustment(order.AdjustmentShipping, "", opt.Method.Name, src, opt.Quote.OrderLevel))
	}
	res.Allocation = Allocate(opt.Quote, o, free)
	return res, nil
}

// Allocate spreads the quote over line items: each chargeable item keeps its
// own contribution plus a subtotal-weighted share of the order-level amount.
func Allocate(q Quote, o *order.Order, free FreeShipping) map[string]int64 {
	out := make(map[string]int64, len(o.LineItems))
	var ids []string
	var weights []int64
	for _, li := range o.LineItems {
		if amt := q.PerItem[li.ID]; amt != 0 {
			out[li.ID] = amt
		}
		if q.OrderLevel != 0 && !q.Free && chargeableItem(li, free) {
			ids = append(ids, li.ID)
			weights = append(weights, li.Subtotal().FloorZero().Amount)
		}
	}
	if len(ids) > 0 {
		for i, share := range money.Allocate(q.OrderLevel, weights) {
			out[ids[i]] += share
		}
	}
	return out
}

func (m Matcher) zoneMatcher() zone.Matcher {
	if m.Zones != nil {
		return m.Zones
	}
	return zone.MembershipMatcher{}
}

type snapshot struct {
	MethodID   string `json:"methodId"`
	MethodName string `json:"methodName"`
	RuleID     int64  `json:"ruleId"`
	RuleName   string `json:"ruleName"`
	Priority   int    `json:"priority"`
}

func sourceFor(opt Option) (order.Source, error) {
	raw, err := json.Marshal(snapshot{
		MethodID:   opt.Method.ID,
		MethodName: opt.Method.Name,
		RuleID:     opt.Rule.ID,
		RuleName:   opt.Rule.Name,
		Priority:   opt.Rule.Priority,
	})
	if err != nil {
		return order.Source{}, err
	}
	return order.Source{Kind: SourceKind, ID: opt.Rule.ID, Snapshot: raw}, nil
}
