package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/money"
)

// Resolution is the outcome of resolving a purchasable's price.
type Resolution struct {
	BasePrice        money.Money `json:"basePrice"`
	PromotionalPrice money.Money `json:"promotionalPrice"`
	AppliedRuleIDs   []int64     `json:"appliedRuleIds,omitempty"`
}

// OnSale reports whether catalog rules lowered the price.
func (r Resolution) OnSale() bool {
	return r.PromotionalPrice.Amount < r.BasePrice.Amount
}

// Savings returns base minus promotional price, never negative.
func (r Resolution) Savings() money.Money {
	diff := r.BasePrice.Amount - r.PromotionalPrice.Amount
	if diff < 0 {
		diff = 0
	}
	return r.BasePrice.WithAmount(diff)
}

// Resolve applies every enabled, active, matching rule to the purchasable in
// sortOrder/id order. Each rule transforms the running price and the result
// is floored at zero after every step.
func Resolve(p Purchasable, rules []PricingRule, groups []string, at time.Time, mode money.Rounding) Resolution {
	base := p.Price
	res := Resolution{BasePrice: base, PromotionalPrice: base}
	if base.Amount < 0 {
		res.BasePrice = base.WithAmount(0)
		res.PromotionalPrice = res.BasePrice
	}
	if !p.Promotable || len(rules) == 0 {
		return res
	}

	ordered := make([]PricingRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.ActiveAt(at) && r.AppliesTo(p, groups) {
			ordered = append(ordered, r)
		}
	}
	SortRules(ordered)

	baseAmount := decimal.NewFromInt(res.BasePrice.Amount)
	running := res.BasePrice.Amount
	for _, r := range ordered {
		var next decimal.Decimal
		current := decimal.NewFromInt(running)
		switch r.Apply {
		case ByPercent:
			next = current.Mul(decimal.NewFromInt(1).Sub(r.Amount))
		case ByFlat:
			next = current.Sub(r.Amount)
		case ToPercent:
			next = baseAmount.Mul(r.Amount)
		case ToFlat:
			next = r.Amount
		default:
			continue
		}
		running = mode.Apply(next)
		if running < 0 {
			running = 0
		}
		res.AppliedRuleIDs = append(res.AppliedRuleIDs, r.ID)
		if r.StopProcessing {
			break
		}
	}
	res.PromotionalPrice = res.BasePrice.WithAmount(running)
	return res
}

// Resolver resolves prices against rules loaded from a RuleSource.
type Resolver struct {
	Rules    RuleSource
	Rounding money.Rounding
	Now      func() time.Time
}

// ResolvePrice computes the base and promotional prices for the customer
// groups at the provided instant. A zero at uses the resolver clock.
func (r *Resolver) ResolvePrice(ctx context.Context, p Purchasable, groups []string, at time.Time) (Resolution, error) {
	if r == nil {
		return Resolution{}, errors.New("catalog resolver not configured")
	}
	if at.IsZero() {
		at = r.now()
	}
	var rules []PricingRule
	if r.Rules != nil {
		loaded, err := r.Rules.ListPricingRules(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("list pricing rules: %w", err)
		}
		rules = loaded
	}
	return Resolve(p, rules, groups, at, r.Rounding), nil
}

func (r *Resolver) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
