package discount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
)

// SourceKind tags adjustments produced by discounts.
const SourceKind = "discount"

// Result is the output of the discount stage.
type Result struct {
	Adjustments []order.Adjustment
	Applied     []int64
	// Coupon is the coded discount that applied, if any.
	Coupon  *Discount
	Notices []order.Notice

	FreeShippingOrder      bool
	FreeShippingItems      map[string]bool
	FreeShippingDiscountID int64
}

// Matcher evaluates discounts against an order.
type Matcher struct {
	Usage    UsageCounter
	Rounding money.Rounding
}

// IsEligible reports whether d applies to the order at now.
func (m Matcher) IsEligible(ctx context.Context, d Discount, o *order.Order, now time.Time) bool {
	return Eligibility(ctx, d, o, m.Usage, now) == nil
}

// MatchingDiscounts returns the discounts that would apply, in evaluation
// order, honouring stopProcessing. When li is set only discounts matching
// that line item are returned.
func (m Matcher) MatchingDiscounts(ctx context.Context, o *order.Order, discounts []Discount, li *order.LineItem, now time.Time) ([]Discount, error) {
	var out []Discount
	err := m.evaluate(ctx, o, discounts, now, nil, func(d Discount) error {
		if li == nil || MatchesLineItem(d, *li) {
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// Match runs the discount stage and returns negative per-line-item
// adjustments. Each line item's cumulative discount is capped at its subtotal.
func (m Matcher) Match(ctx context.Context, o *order.Order, discounts []Discount, now time.Time) (Result, error) {
	res := Result{}
	remaining := make(map[string]int64, len(o.LineItems))
	for _, li := range o.LineItems {
		remaining[li.ID] = li.Subtotal().FloorZero().Amount
	}
	freeShippingDecided := false

	err := m.evaluate(ctx, o, discounts, now, &res.Notices, func(d Discount) error {
		adjs, matched, err := m.apply(o, d, remaining)
		if err != nil {
			return fmt.Errorf("apply discount %d: %w", d.ID, err)
		}
		res.Adjustments = append(res.Adjustments, adjs...)
		res.Applied = append(res.Applied, d.ID)
		if d.Coded() {
			coupon := d
			res.Coupon = &coupon
		}
		if !freeShippingDecided && (d.FreeShippingForOrder || d.FreeShippingForMatchingItems) {
			freeShippingDecided = true
			res.FreeShippingDiscountID = d.ID
			if d.FreeShippingForOrder {
				res.FreeShippingOrder = true
			} else {
				res.FreeShippingItems = make(map[string]bool, len(matched))
				for _, id := range matched {
					res.FreeShippingItems[id] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// evaluate walks the candidate discounts in sortOrder and calls onApply for
// each eligible one until a stopProcessing discount applies.
func (m Matcher) evaluate(ctx context.Context, o *order.Order, discounts []Discount, now time.Time, notices *[]order.Notice, onApply func(Discount) error) error {
	candidates, err := candidatesFor(o, discounts)
	if err != nil {
		return err
	}
	code := NormalizeCode(o.CouponCode)
	couponSeen := false
	for _, d := range candidates {
		if d.Coded() {
			couponSeen = true
		}
	}
	if code != "" && !couponSeen && notices != nil {
		*notices = append(*notices, order.Notice{
			Type:      order.NoticeCouponInvalid,
			Attribute: "couponCode",
			Message:   fmt.Sprintf("Coupon %q is not valid.", o.CouponCode),
		})
	}

	for _, d := range candidates {
		if err := Eligibility(ctx, d, o, m.Usage, now); err != nil {
			if !errors.Is(err, ErrNotEligible) {
				return err
			}
			if d.Coded() && notices != nil {
				*notices = append(*notices, order.Notice{
					Type:      order.NoticeCouponNotEligible,
					Attribute: "couponCode",
					Message:   fmt.Sprintf("Coupon %q cannot be applied: %s.", o.CouponCode, trimPrefix(err)),
				})
			}
			continue
		}
		if err := onApply(d); err != nil {
			return err
		}
		if d.StopProcessing {
			break
		}
	}
	return nil
}

// candidatesFor returns uncoded discounts plus the one matching the order's
// coupon, sorted for evaluation.
func candidatesFor(o *order.Order, discounts []Discount) ([]Discount, error) {
	code := NormalizeCode(o.CouponCode)
	out := make([]Discount, 0, len(discounts))
	var coded []Discount
	for _, d := range discounts {
		if !d.Coded() {
			out = append(out, d)
			continue
		}
		if code != "" && NormalizeCode(d.Code) == code {
			coded = append(coded, d)
		}
	}
	var enabled []Discount
	for _, d := range coded {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	switch {
	case len(enabled) > 1:
		return nil, common.Fatal("discount_duplicate_code", ValidateCodes(enabled))
	case len(enabled) == 1:
		out = append(out, enabled[0])
	case len(coded) > 0:
		// disabled: kept so eligibility reports why the coupon was refused
		out = append(out, coded[0])
	}
	Sort(out)
	return out, nil
}

func (m Matcher) apply(o *order.Order, d Discount, remaining map[string]int64) ([]order.Adjustment, []string, error) {
	amounts := make([]int64, len(o.LineItems))
	var matchedIdx []int
	var matchedIDs []string
	for i, li := range o.LineItems {
		if !MatchesLineItem(d, li) {
			continue
		}
		matchedIdx = append(matchedIdx, i)
		matchedIDs = append(matchedIDs, li.ID)

		amt := d.PerItemDiscount * int64(li.Qty)
		if d.PercentDiscount.IsPositive() {
			subject := li.Subtotal().Amount
			if d.Subject() == SubjectDiscounted {
				subject = remaining[li.ID]
			}
			amt += m.Rounding.Apply(decimal.NewFromInt(subject).Mul(d.PercentDiscount))
		}
		amounts[i] += amt
	}

	if d.BaseDiscount > 0 {
		targets := matchedIdx
		if d.Scope() == AllLineItems {
			targets = make([]int, len(o.LineItems))
			for i := range o.LineItems {
				targets[i] = i
			}
		}
		weights := make([]int64, len(targets))
		for k, i := range targets {
			weights[k] = remaining[o.LineItems[i].ID]
		}
		for k, share := range money.Allocate(d.BaseDiscount, weights) {
			amounts[targets[k]] += share
		}
	}

	src, err := sourceFor(d)
	if err != nil {
		return nil, nil, err
	}
	var adjs []order.Adjustment
	for i, amt := range amounts {
		id := o.LineItems[i].ID
		if amt > remaining[id] {
			amt = remaining[id]
		}
		if amt <= 0 {
			continue
		}
		remaining[id] -= amt
		adj := o.NewAdjustment(order.AdjustmentDiscount, id, d.Name, src, -amt)
		adj.Description = describe(d)
		adjs = append(adjs, adj)
	}
	return adjs, matchedIDs, nil
}

type snapshot struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Code            string          `json:"code,omitempty"`
	SortOrder       int             `json:"sortOrder"`
	BaseDiscount    int64           `json:"baseDiscount,omitempty"`
	PerItemDiscount int64           `json:"perItemDiscount,omitempty"`
	PercentDiscount decimal.Decimal `json:"percentDiscount"`
	AppliesTo       Scope           `json:"appliedTo"`
}

func sourceFor(d Discount) (order.Source, error) {
	raw, err := json.Marshal(snapshot{
		ID:              d.ID,
		Name:            d.Name,
		Code:            d.Code,
		SortOrder:       d.SortOrder,
		BaseDiscount:    d.BaseDiscount,
		PerItemDiscount: d.PerItemDiscount,
		PercentDiscount: d.PercentDiscount,
		AppliesTo:       d.Scope(),
	})
	if err != nil {
		return order.Source{}, err
	}
	return order.Source{Kind: SourceKind, ID: d.ID, Snapshot: raw}, nil
}

func describe(d Discount) string {
	if d.Coded() {
		return "Coupon " + d.Code
	}
	return d.Name
}

func trimPrefix(err error) string {
	msg := err.Error()
	prefix := ErrNotEligible.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
