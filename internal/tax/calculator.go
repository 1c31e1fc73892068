package tax

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

// SourceKind tags adjustments produced by tax rates.
const SourceKind = "taxRate"

// Calculator applies tax rates to line items. It must run after the discount
// and shipping stages since the taxable bases depend on both.
type Calculator struct {
	Zones    zone.Matcher
	Rounding money.Rounding
	Basis    Basis
}

// Address returns the address taxation is located by. The billing basis
// falls back to the shipping address when no billing address is set.
func (c Calculator) Address(o *order.Order) *zone.Address {
	if c.Basis == BasisBilling && o.BillingAddress != nil {
		return o.BillingAddress
	}
	return o.ShippingAddressForRules()
}

// Apply returns one adjustment per (line item, matching rate). The price base
// is the item subtotal plus its discount adjustments already on the order;
// shipping is the item's share of the allocation.
func (c Calculator) Apply(o *order.Order, rates []Rate, zones map[int64]zone.Zone, allocation map[string]int64) ([]order.Adjustment, error) {
	active, err := c.activeRates(o, rates, zones)
	if err != nil || len(active) == 0 {
		return nil, err
	}

	discounts := make(map[string]int64, len(o.LineItems))
	for _, adj := range o.AdjustmentsOf(order.AdjustmentDiscount) {
		if !adj.OrderLevel() {
			discounts[adj.LineItemID] += adj.Amount.Amount
		}
	}

	var out []order.Adjustment
	for _, li := range o.LineItems {
		if li.TaxCategoryID == "" {
			return nil, common.Fatal("line_item_tax_category", fmt.Errorf("%w: %s", ErrMissingCategory, li.ID))
		}
		price := li.Subtotal().Amount + discounts[li.ID]
		if price < 0 {
			price = 0
		}
		ship := allocation[li.ID]

		for _, r := range active {
			if r.TaxCategoryID != li.TaxCategoryID {
				continue
			}
			var base int64
			switch r.taxable() {
			case TaxableShipping:
				base = ship
			case TaxablePriceShipping:
				base = price + ship
			default:
				base = price
			}
			amount := c.Rounding.Apply(decimal.NewFromInt(base).Mul(r.Rate))
			if amount == 0 {
				continue
			}
			adj, err := adjustmentFor(o, li.ID, r, amount)
			if err != nil {
				return nil, err
			}
			out = append(out, adj)
		}
	}
	return out, nil
}

func (c Calculator) activeRates(o *order.Order, rates []Rate, zones map[int64]zone.Zone) ([]Rate, error) {
	addr := c.Address(o)
	matcher := c.Zones
	if matcher == nil {
		matcher = zone.MembershipMatcher{}
	}
	var out []Rate
	for _, r := range rates {
		if !r.Enabled {
			continue
		}
		if r.ZoneID != 0 {
			z, ok := zones[r.ZoneID]
			if !ok {
				return nil, common.Fatal("tax_rate_zone", fmt.Errorf("%w: rate %d zone %d", ErrUnknownZone, r.ID, r.ZoneID))
			}
			if addr == nil || !matcher.AddressMatchesZone(*addr, z) {
				continue
			}
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type snapshot struct {
	RateID   int64           `json:"rateId"`
	Name     string          `json:"name"`
	Rate     decimal.Decimal `json:"rate"`
	Included bool            `json:"included"`
	Taxable  Taxable         `json:"taxable"`
	ZoneID   int64           `json:"zoneId,omitempty"`
}

func adjustmentFor(o *order.Order, lineItemID string, r Rate, amount int64) (order.Adjustment, error) {
	raw, err := json.Marshal(snapshot{RateID: r.ID, Name: r.Name, Rate: r.Rate, Included: r.Included, Taxable: r.taxable(), ZoneID: r.ZoneID})
	if err != nil {
		return order.Adjustment{}, err
	}
	t := order.AdjustmentTax
	if r.Included {
		t = order.AdjustmentTaxIncluded
	}
	adj := o.NewAdjustment(t, lineItemID, r.Name, order.Source{Kind: SourceKind, ID: r.ID, Snapshot: raw}, amount)
	adj.Included = r.Included
	adj.Description = r.Rate.Mul(decimal.NewFromInt(100)).String() + "%"
	return adj, nil
}
