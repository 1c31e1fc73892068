package discount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/toko-pricing/internal/order"
)

var (
	// ErrNotEligible is the base error for every eligibility failure.
	ErrNotEligible = errors.New("discount not eligible")
	// ErrDisabled is returned for disabled discounts.
	ErrDisabled = fmt.Errorf("%w: disabled", ErrNotEligible)
	// ErrInactive is returned before the discount window opens.
	ErrInactive = fmt.Errorf("%w: not active yet", ErrNotEligible)
	// ErrExpired is returned once the discount window has closed.
	ErrExpired = fmt.Errorf("%w: expired", ErrNotEligible)
	// ErrCouponMismatch is returned when a coded discount is not the order's coupon.
	ErrCouponMismatch = fmt.Errorf("%w: coupon does not match", ErrNotEligible)
	// ErrTotalLimitReached indicates the code exhausted its total uses.
	ErrTotalLimitReached = fmt.Errorf("%w: usage limit reached", ErrNotEligible)
	// ErrPerUserLimitReached indicates the customer exhausted their uses.
	ErrPerUserLimitReached = fmt.Errorf("%w: per-user usage limit reached", ErrNotEligible)
	// ErrPerEmailLimitReached indicates the email exhausted its uses.
	ErrPerEmailLimitReached = fmt.Errorf("%w: per-email usage limit reached", ErrNotEligible)
	// ErrIdentityRequired is returned when a limited code is used anonymously.
	ErrIdentityRequired = fmt.Errorf("%w: customer identity required", ErrNotEligible)
	// ErrMinimumTotalUnmet indicates the purchase total threshold was missed.
	ErrMinimumTotalUnmet = fmt.Errorf("%w: purchase total not met", ErrNotEligible)
	// ErrQtyOutOfRange indicates the purchase quantity thresholds were missed.
	ErrQtyOutOfRange = fmt.Errorf("%w: purchase quantity out of range", ErrNotEligible)
	// ErrGroupMismatch indicates the customer groups do not satisfy the condition.
	ErrGroupMismatch = fmt.Errorf("%w: customer group condition not met", ErrNotEligible)
	// ErrNoMatchingItems indicates no line item matches the product/category condition.
	ErrNoMatchingItems = fmt.Errorf("%w: no matching line items", ErrNotEligible)

	// ErrDuplicateCode marks corrupt rule data: two discounts share a code.
	ErrDuplicateCode = errors.New("duplicate discount code")
)

// Eligibility evaluates every condition of d against the order and returns
// the first failure. A nil error means the discount applies. Usage is only
// consulted for coded discounts with limits.
func Eligibility(ctx context.Context, d Discount, o *order.Order, usage UsageCounter, now time.Time) error {
	if !d.Enabled {
		return ErrDisabled
	}
	if d.DateFrom != nil && now.Before(*d.DateFrom) {
		return ErrInactive
	}
	if d.DateTo != nil && !now.Before(*d.DateTo) {
		return ErrExpired
	}
	if d.Coded() {
		if NormalizeCode(o.CouponCode) != NormalizeCode(d.Code) {
			return ErrCouponMismatch
		}
		if err := checkLimits(ctx, d, o.Customer, usage); err != nil {
			return err
		}
	}
	if o.ItemSubtotal().Amount < d.PurchaseTotal {
		return ErrMinimumTotalUnmet
	}
	qty := o.TotalQty()
	if qty < d.PurchaseQty || (d.MaxPurchaseQty > 0 && qty > d.MaxPurchaseQty) {
		return ErrQtyOutOfRange
	}
	if !GroupsSatisfied(d, o.Customer.GroupIDs) {
		return ErrGroupMismatch
	}
	for _, li := range o.LineItems {
		if MatchesLineItem(d, li) {
			return nil
		}
	}
	return ErrNoMatchingItems
}

func checkLimits(ctx context.Context, d Discount, c order.Customer, usage UsageCounter) error {
	if d.PerUserLimit > 0 && c.ID == "" {
		return ErrIdentityRequired
	}
	if d.PerEmailLimit > 0 && NormalizeEmail(c.Email) == "" {
		return ErrIdentityRequired
	}
	if d.TotalUseLimit == 0 && d.PerUserLimit == 0 && d.PerEmailLimit == 0 {
		return nil
	}
	if usage == nil {
		return errors.New("discount: usage counter not configured")
	}
	u, err := usage.Usage(ctx, d, c.ID, c.Email)
	if err != nil {
		return fmt.Errorf("discount usage: %w", err)
	}
	return u.Check(d)
}

// GroupsSatisfied evaluates the user-group condition against groups.
func GroupsSatisfied(d Discount, groups []string) bool {
	switch d.UserGroupCondition {
	case GroupsIncludeAll:
		for _, g := range d.UserGroupIDs {
			if !contains(groups, g) {
				return false
			}
		}
		return true
	case GroupsIncludeAny:
		return intersects(d.UserGroupIDs, groups)
	case GroupsExcludeAny:
		return !intersects(d.UserGroupIDs, groups)
	default:
		return true
	}
}

// MatchesLineItem reports whether the product/category condition and the
// on-sale policy allow discounting the line item.
func MatchesLineItem(d Discount, li order.LineItem) bool {
	if !li.Promotable {
		return false
	}
	if d.ExcludeOnSale && li.OnSale {
		return false
	}
	// An empty id set leaves that dimension unconstrained.
	purchasableOK := d.AllPurchasables || len(d.PurchasableIDs) == 0 || contains(d.PurchasableIDs, li.PurchasableID)
	categoryOK := d.AllCategories || len(d.CategoryIDs) == 0 || intersects(d.CategoryIDs, li.CategoryIDs)
	return purchasableOK && categoryOK
}
