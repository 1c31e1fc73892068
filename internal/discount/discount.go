package discount

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/common"
)

// Subject selects which price a percentage discount is computed from.
type Subject string

const (
	// SubjectOriginal uses the line item subtotal before any discount.
	SubjectOriginal Subject = "original"
	// SubjectDiscounted uses the subtotal after earlier discounts.
	SubjectDiscounted Subject = "discounted"
)

// Scope controls where the base discount is distributed.
type Scope string

const (
	MatchingLineItems Scope = "matchingLineItems"
	AllLineItems      Scope = "allLineItems"
)

// GroupCondition restricts which customer groups may use a discount.
type GroupCondition string

const (
	// GroupsAnyOrNone places no restriction on the customer.
	GroupsAnyOrNone GroupCondition = "any"
	// GroupsIncludeAll requires membership in every listed group.
	GroupsIncludeAll GroupCondition = "all"
	// GroupsIncludeAny requires membership in at least one listed group.
	GroupsIncludeAny GroupCondition = "anyOf"
	// GroupsExcludeAny rejects members of any listed group.
	GroupsExcludeAny GroupCondition = "noneOf"
)

// Discount is a promotional rule, optionally gated by a coupon code.
// Monetary thresholds and amounts are minor units of the order currency.
type Discount struct {
	ID        int64  `json:"id"`
	Name      string `json:"name" validate:"required,max=255"`
	Code      string `json:"code,omitempty" validate:"omitempty,max=64"`
	Enabled   bool   `json:"enabled"`
	SortOrder int    `json:"sortOrder"`

	DateFrom *time.Time `json:"dateFrom,omitempty"`
	DateTo   *time.Time `json:"dateTo,omitempty"`

	// Use limits. Zero means unlimited.
	PerUserLimit  int `json:"perUserLimit" validate:"gte=0"`
	PerEmailLimit int `json:"perEmailLimit" validate:"gte=0"`
	TotalUseLimit int `json:"totalUseLimit" validate:"gte=0"`

	PurchaseTotal  int64 `json:"purchaseTotal" validate:"gte=0"`
	PurchaseQty    int   `json:"purchaseQty" validate:"gte=0"`
	MaxPurchaseQty int   `json:"maxPurchaseQty" validate:"gte=0"`

	BaseDiscount    int64           `json:"baseDiscount" validate:"gte=0"`
	PerItemDiscount int64           `json:"perItemDiscount" validate:"gte=0"`
	PercentDiscount decimal.Decimal `json:"percentDiscount"`
	PercentSubject  Subject         `json:"percentageOffSubject,omitempty" validate:"omitempty,oneof=original discounted"`

	FreeShippingForMatchingItems bool `json:"hasFreeShippingForMatchingItems"`
	FreeShippingForOrder         bool `json:"hasFreeShippingForOrder"`

	UserGroupCondition GroupCondition `json:"userGroupsCondition,omitempty" validate:"omitempty,oneof=any all anyOf noneOf"`
	UserGroupIDs       []string       `json:"userGroupIds,omitempty"`

	AllPurchasables bool     `json:"allPurchasables"`
	PurchasableIDs  []string `json:"purchasableIds,omitempty"`
	AllCategories   bool     `json:"allCategories"`
	CategoryIDs     []string `json:"categoryIds,omitempty"`

	ExcludeOnSale  bool  `json:"excludeOnSale"`
	AppliesTo      Scope `json:"appliedTo,omitempty" validate:"omitempty,oneof=matchingLineItems allLineItems"`
	StopProcessing bool  `json:"stopProcessing"`
}

// Source enumerates discounts.
type Source interface {
	ListDiscounts(ctx context.Context) ([]Discount, error)
}

// NormalizeCode trims and folds a coupon code for comparison.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Coded reports whether the discount requires a coupon.
func (d Discount) Coded() bool {
	return NormalizeCode(d.Code) != ""
}

// Scope returns AppliesTo with its default.
func (d Discount) Scope() Scope {
	if d.AppliesTo == "" {
		return MatchingLineItems
	}
	return d.AppliesTo
}

// Subject returns PercentSubject with its default.
func (d Discount) Subject() Subject {
	if d.PercentSubject == "" {
		return SubjectOriginal
	}
	return d.PercentSubject
}

// Validate performs save-time checks and reports problems per field.
func (d Discount) Validate() error {
	fields := common.ValidateStruct(d)
	if fields == nil {
		fields = common.FieldErrors{}
	}
	if d.FreeShippingForMatchingItems && d.FreeShippingForOrder {
		fields["hasFreeShippingForOrder"] = "cannot be combined with free shipping for matching items"
	}
	if d.DateFrom != nil && d.DateTo != nil && !d.DateFrom.Before(*d.DateTo) {
		fields["dateTo"] = "must be after dateFrom"
	}
	if d.PercentDiscount.IsNegative() || d.PercentDiscount.GreaterThan(decimal.NewFromInt(1)) {
		fields["percentDiscount"] = "must be between 0 and 1"
	}
	if d.MaxPurchaseQty > 0 && d.MaxPurchaseQty < d.PurchaseQty {
		fields["maxPurchaseQty"] = "must not be below purchaseQty"
	}
	switch d.UserGroupCondition {
	case GroupsIncludeAll, GroupsIncludeAny, GroupsExcludeAny:
		if len(d.UserGroupIDs) == 0 {
			fields["userGroupIds"] = "is required for the selected condition"
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return common.Validation("discount_invalid", fields)
}

// ValidateCodes rejects discounts that share a coupon code.
func ValidateCodes(discounts []Discount) error {
	seen := make(map[string]int64, len(discounts))
	for _, d := range discounts {
		if !d.Coded() {
			continue
		}
		code := NormalizeCode(d.Code)
		if other, ok := seen[code]; ok && other != d.ID {
			return fmt.Errorf("%w: %q used by discounts %d and %d", ErrDuplicateCode, d.Code, other, d.ID)
		}
		seen[code] = d.ID
	}
	return nil
}

// Sort orders discounts by sortOrder then id.
func Sort(discounts []Discount) {
	sort.SliceStable(discounts, func(i, j int) bool {
		if discounts[i].SortOrder == discounts[j].SortOrder {
			return discounts[i].ID < discounts[j].ID
		}
		return discounts[i].SortOrder < discounts[j].SortOrder
	})
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}
