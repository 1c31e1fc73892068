package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyMode controls how a pricing rule transforms the running price.
type ApplyMode string

const (
	// ByPercent reduces the running price by Amount as a fraction (0.1 = 10% off).
	ByPercent ApplyMode = "byPercent"
	// ByFlat reduces the running price by Amount minor units.
	ByFlat ApplyMode = "byFlat"
	// ToPercent sets the price to Amount as a fraction of the base price.
	ToPercent ApplyMode = "toPercent"
	// ToFlat sets the price to Amount minor units.
	ToFlat ApplyMode = "toFlat"
)

// Valid reports whether the mode is known.
func (m ApplyMode) Valid() bool {
	switch m {
	case ByPercent, ByFlat, ToPercent, ToFlat:
		return true
	}
	return false
}

// PricingRule alters the advertised price of matching purchasables for a
// customer audience independently of coupons.
type PricingRule struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	SortOrder int    `json:"sortOrder"`

	AllPurchasables bool     `json:"allPurchasables"`
	PurchasableIDs  []string `json:"purchasableIds,omitempty"`
	AllCategories   bool     `json:"allCategories"`
	CategoryIDs     []string `json:"categoryIds,omitempty"`
	AllGroups       bool     `json:"allGroups"`
	UserGroupIDs    []string `json:"userGroupIds,omitempty"`

	// DateFrom is inclusive, DateTo exclusive. Nil bounds are open.
	DateFrom *time.Time `json:"dateFrom,omitempty"`
	DateTo   *time.Time `json:"dateTo,omitempty"`

	Apply ApplyMode `json:"apply"`
	// Amount is a fraction for percent modes and minor units for flat modes.
	Amount decimal.Decimal `json:"amount"`

	StopProcessing bool `json:"stopProcessing"`
}

// RuleSource enumerates catalog pricing rules.
type RuleSource interface {
	ListPricingRules(ctx context.Context) ([]PricingRule, error)
}

// ActiveAt reports whether at falls inside [DateFrom, DateTo).
func (r PricingRule) ActiveAt(at time.Time) bool {
	if r.DateFrom != nil && at.Before(*r.DateFrom) {
		return false
	}
	if r.DateTo != nil && !at.Before(*r.DateTo) {
		return false
	}
	return true
}

// AppliesTo reports whether the rule targets the purchasable and audience.
func (r PricingRule) AppliesTo(p Purchasable, groups []string) bool {
	if !r.AllPurchasables && !contains(r.PurchasableIDs, p.ID) {
		return false
	}
	if !r.AllCategories && len(r.CategoryIDs) > 0 && !intersects(r.CategoryIDs, p.CategoryIDs) {
		return false
	}
	if !r.AllGroups && len(r.UserGroupIDs) > 0 && !intersects(r.UserGroupIDs, groups) {
		return false
	}
	return true
}

// Validate performs save-time checks on the rule definition.
func (r PricingRule) Validate() error {
	if !r.Apply.Valid() {
		return fmt.Errorf("pricing rule %d: unknown apply mode %q", r.ID, r.Apply)
	}
	if r.DateFrom != nil && r.DateTo != nil && !r.DateFrom.Before(*r.DateTo) {
		return fmt.Errorf("pricing rule %d: dateFrom must be before dateTo", r.ID)
	}
	if (r.Apply == ToPercent || r.Apply == ToFlat) && r.Amount.IsNegative() {
		return fmt.Errorf("pricing rule %d: target amount cannot be negative", r.ID)
	}
	return nil
}

// SortRules orders rules for deterministic application: sortOrder then id.
func SortRules(rules []PricingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].SortOrder == rules[j].SortOrder {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].SortOrder < rules[j].SortOrder
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
