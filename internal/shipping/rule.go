package shipping

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is the base error for a rule that does not match the order.
	ErrRejected = errors.New("shipping rule rejected")
	// ErrDisabled is returned for disabled rules.
	ErrDisabled = fmt.Errorf("%w: disabled", ErrRejected)
	// ErrCategoryDisallowed is returned when a shippable item's category is disallowed.
	ErrCategoryDisallowed = fmt.Errorf("%w: shipping category disallowed", ErrRejected)
	// ErrCategoryRequired is returned when a required category is missing from the order.
	ErrCategoryRequired = fmt.Errorf("%w: required shipping category missing", ErrRejected)
	// ErrAddressRequired is returned for zoned rules on orders without an address.
	ErrAddressRequired = fmt.Errorf("%w: shipping address required", ErrRejected)
	// ErrZoneMismatch is returned when the address is outside the rule zone.
	ErrZoneMismatch = fmt.Errorf("%w: address outside zone", ErrRejected)
	// ErrQtyOutOfRange is returned when the order quantity misses the rule bounds.
	ErrQtyOutOfRange = fmt.Errorf("%w: quantity out of range", ErrRejected)
	// ErrTotalOutOfRange is returned when the item subtotal misses the rule bounds.
	ErrTotalOutOfRange = fmt.Errorf("%w: subtotal out of range", ErrRejected)
	// ErrWeightOutOfRange is returned when the order weight misses the rule bounds.
	ErrWeightOutOfRange = fmt.Errorf("%w: weight out of range", ErrRejected)

	// ErrUnknownZone marks corrupt rule data: the rule references a missing zone.
	ErrUnknownZone = errors.New("shipping rule references unknown zone")
)

// Condition tags a per-category entry on a rule.
type Condition string

const (
	Allow    Condition = "allow"
	Disallow Condition = "disallow"
	Require  Condition = "require"
)

// CategoryRule restricts or re-prices one shipping category. Nil rates fall
// back to the rule-level rate.
type CategoryRule struct {
	ShippingCategoryID string           `json:"shippingCategoryId"`
	Condition          Condition        `json:"condition"`
	PerItemRate        *int64           `json:"perItemRate,omitempty"`
	WeightRate         *decimal.Decimal `json:"weightRate,omitempty"`
	PercentageRate     *decimal.Decimal `json:"percentageRate,omitempty"`
}

// Rule is one priced option of a shipping method. Amounts are minor units;
// a zero threshold means no constraint.
type Rule struct {
	ID       int64  `json:"id"`
	MethodID string `json:"methodId"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	// ZoneID 0 matches any address, including none.
	ZoneID int64 `json:"zoneId,omitempty"`

	MinQty    int             `json:"minQty"`
	MaxQty    int             `json:"maxQty"`
	MinTotal  int64           `json:"minTotal"`
	MaxTotal  int64           `json:"maxTotal"`
	MinWeight decimal.Decimal `json:"minWeight"`
	MaxWeight decimal.Decimal `json:"maxWeight"`

	BaseRate    int64 `json:"baseRate"`
	PerItemRate int64 `json:"perItemRate"`
	// WeightRate is minor units per weight unit.
	WeightRate decimal.Decimal `json:"weightRate"`
	// PercentageRate is a fraction of the item subtotal.
	PercentageRate decimal.Decimal `json:"percentageRate"`
	MinRate        int64           `json:"minRate"`
	MaxRate        int64           `json:"maxRate"`

	Categories []CategoryRule `json:"categories,omitempty"`
}

// Method groups rules under a selectable shipping option.
type Method struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Rules   []Rule `json:"rules"`
}

// Source enumerates shipping methods with their rules.
type Source interface {
	ListShippingMethods(ctx context.Context) ([]Method, error)
}

// Validate performs save-time checks on the rule.
func (r Rule) Validate() error {
	if r.MaxQty > 0 && r.MaxQty < r.MinQty {
		return fmt.Errorf("shipping rule %d: maxQty below minQty", r.ID)
	}
	if r.MaxTotal > 0 && r.MaxTotal <= r.MinTotal {
		return fmt.Errorf("shipping rule %d: maxTotal must exceed minTotal", r.ID)
	}
	if r.MaxWeight.IsPositive() && r.MaxWeight.LessThanOrEqual(r.MinWeight) {
		return fmt.Errorf("shipping rule %d: maxWeight must exceed minWeight", r.ID)
	}
	if r.MaxRate > 0 && r.MaxRate < r.MinRate {
		return fmt.Errorf("shipping rule %d: maxRate below minRate", r.ID)
	}
	for _, c := range r.Categories {
		switch c.Condition {
		case Allow, Disallow, Require:
		default:
			return fmt.Errorf("shipping rule %d: unknown category condition %q", r.ID, c.Condition)
		}
	}
	return nil
}

func (r Rule) category(id string) (CategoryRule, bool) {
	for _, c := range r.Categories {
		if c.ShippingCategoryID == id {
			return c, true
		}
	}
	return CategoryRule{}, false
}

func (r Rule) perItemRate(categoryID string) int64 {
	if c, ok := r.category(categoryID); ok && c.PerItemRate != nil {
		return *c.PerItemRate
	}
	return r.PerItemRate
}

func (r Rule) weightRate(categoryID string) decimal.Decimal {
	if c, ok := r.category(categoryID); ok && c.WeightRate != nil {
		return *c.WeightRate
	}
	return r.WeightRate
}

func (r Rule) percentageRate(categoryID string) decimal.Decimal {
	if c, ok := r.category(categoryID); ok && c.PercentageRate != nil {
		return *c.PercentageRate
	}
	return r.PercentageRate
}

// SortRules orders rules by priority then id.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority == rules[j].Priority {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].Priority < rules[j].Priority
	})
}
