package discount

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func cart(items ...order.LineItem) *order.Order {
	o := order.New("o1", "USD", order.Customer{ID: "c1", Email: "Shopper@Example.com", GroupIDs: []string{"retail"}}, now)
	o.LineItems = items
	return o
}

func item(id, purchasable string, unit int64, qty int) order.LineItem {
	return order.LineItem{
		ID:            id,
		PurchasableID: purchasable,
		Qty:           qty,
		Price:         money.New(unit, "USD"),
		SalePrice:     money.New(unit, "USD"),
		Promotable:    true,
		Shippable:     true,
	}
}

func percentOff(id int64, pct string) Discount {
	return Discount{ID: id, Name: "sale", Enabled: true, AllPurchasables: true, AllCategories: true, PercentDiscount: decimal.RequireFromString(pct)}
}

func sumAmounts(adjs []order.Adjustment) int64 {
	var total int64
	for _, a := range adjs {
		total += a.Amount.Amount
	}
	return total
}

func TestMatchPercentOffMatchingItems(t *testing.T) {
	o := cart(item("li1", "p1", 10_000, 2))
	res, err := Matcher{}.Match(context.Background(), o, []Discount{percentOff(1, "0.1")}, now)
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 1)
	adj := res.Adjustments[0]
	require.Equal(t, order.AdjustmentDiscount, adj.Type)
	require.Equal(t, "li1", adj.LineItemID)
	require.Equal(t, int64(-2_000), adj.Amount.Amount)
	require.Equal(t, SourceKind, adj.Source.Kind)
	require.Equal(t, []int64{1}, res.Applied)
}

func TestStopProcessingShortCircuits(t *testing.T) {
	o := cart(item("li1", "p1", 10_000, 1))
	first := percentOff(10, "0.1")
	first.SortOrder = 1
	first.StopProcessing = true
	second := percentOff(5, "0.2")
	second.SortOrder = 2

	// store order must not matter
	for _, discounts := range [][]Discount{{first, second}, {second, first}} {
		res, err := Matcher{}.Match(context.Background(), o, discounts, now)
		require.NoError(t, err)
		require.Equal(t, []int64{10}, res.Applied)
		require.Equal(t, int64(-1_000), sumAmounts(res.Adjustments))
	}
}

func TestEarlierDiscountsSurviveStop(t *testing.T) {
	o := cart(item("li1", "p1", 10_000, 1))
	a := percentOff(1, "0.1")
	a.SortOrder = 1
	b := Discount{ID: 2, Name: "flat", Enabled: true, SortOrder: 2, BaseDiscount: 500, StopProcessing: true}
	c := percentOff(3, "0.5")
	c.SortOrder = 3

	res, err := Matcher{}.Match(context.Background(), o, []Discount{c, b, a}, now)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.Applied)
	require.Equal(t, int64(-1_500), sumAmounts(res.Adjustments))
}

func TestPercentSubjectDiscounted(t *testing.T) {
	o := cart(item("li1", "p1", 10_000, 1))
	a := percentOff(1, "0.5")
	b := percentOff(2, "0.5")
	b.PercentSubject = SubjectDiscounted

	res, err := Matcher{}.Match(context.Background(), o, []Discount{a, b}, now)
	require.NoError(t, err)
	require.Equal(t, int64(-7_500), sumAmounts(res.Adjustments))

	b.PercentSubject = SubjectOriginal
	res, err = Matcher{}.Match(context.Background(), o, []Discount{a, b}, now)
	require.NoError(t, err)
	// capped at the line subtotal
	require.Equal(t, int64(-10_000), sumAmounts(res.Adjustments))
}

func TestBaseDiscountDistribution(t *testing.T) {
	o := cart(item("li1", "p1", 3_000, 1), item("li2", "p2", 1_000, 1))
	d := Discount{ID: 1, Name: "base", Enabled: true, PurchasableIDs: []string{"p1"}, BaseDiscount: 400}

	res, err := Matcher{}.Match(context.Background(), o, []Discount{d}, now)
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 1)
	require.Equal(t, "li1", res.Adjustments[0].LineItemID)
	require.Equal(t, int64(-400), res.Adjustments[0].Amount.Amount)

	d.AppliesTo = AllLineItems
	res, err = Matcher{}.Match(context.Background(), o, []Discount{d}, now)
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 2)
	byItem := map[string]int64{}
	for _, a := range res.Adjustments {
		byItem[a.LineItemID] = a.Amount.Amount
	}
	require.Equal(t, int64(-300), byItem["li1"])
	require.Equal(t, int64(-100), byItem["li2"])
}

func TestPerItemDiscountAndExcludeOnSale(t *testing.T) {
	onSale := item("li2", "p2", 800, 3)
	onSale.OnSale = true
	o := cart(item("li1", "p1", 1_000, 2), onSale)
	d := Discount{ID: 1, Name: "per item", Enabled: true, AllPurchasables: true, PerItemDiscount: 150, ExcludeOnSale: true}

	res, err := Matcher{}.Match(context.Background(), o, []Discount{d}, now)
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 1)
	require.Equal(t, int64(-300), res.Adjustments[0].Amount.Amount)

	d.ExcludeOnSale = false
	res, err = Matcher{}.Match(context.Background(), o, []Discount{d}, now)
	require.NoError(t, err)
	require.Equal(t, int64(-750), sumAmounts(res.Adjustments))
}

func TestNonPromotableItemsAreNeverDiscounted(t *testing.T) {
	li := item("li1", "p1", 1_000, 1)
	li.Promotable = false
	res, err := Matcher{}.Match(context.Background(), cart(li), []Discount{percentOff(1, "0.5")}, now)
	require.NoError(t, err)
	require.Empty(t, res.Adjustments)
	require.Empty(t, res.Applied)
}

func TestFreeShippingFirstWinnerDecides(t *testing.T) {
	o := cart(item("li1", "p1", 1_000, 1), item("li2", "p2", 1_000, 1))
	matching := Discount{ID: 1, Name: "ship p1", Enabled: true, SortOrder: 1, PurchasableIDs: []string{"p1"}, FreeShippingForMatchingItems: true}
	whole := Discount{ID: 2, Name: "ship all", Enabled: true, SortOrder: 2, AllPurchasables: true, FreeShippingForOrder: true}

	res, err := Matcher{}.Match(context.Background(), o, []Discount{whole, matching}, now)
	require.NoError(t, err)
	require.False(t, res.FreeShippingOrder)
	require.Equal(t, map[string]bool{"li1": true}, res.FreeShippingItems)
	require.Equal(t, int64(1), res.FreeShippingDiscountID)
}

func TestCouponHandling(t *testing.T) {
	coded := percentOff(7, "0.25")
	coded.Code = "SPRING"

	o := cart(item("li1", "p1", 4_000, 1))
	res, err := Matcher{}.Match(context.Background(), o, []Discount{coded}, now)
	require.NoError(t, err)
	require.Empty(t, res.Applied, "coded discounts need the coupon")

	o.CouponCode = "  spring "
	res, err = Matcher{}.Match(context.Background(), o, []Discount{coded}, now)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, res.Applied)
	require.NotNil(t, res.Coupon)
	require.Equal(t, int64(7), res.Coupon.ID)

	o.CouponCode = "WINTER"
	res, err = Matcher{}.Match(context.Background(), o, []Discount{coded}, now)
	require.NoError(t, err)
	require.Len(t, res.Notices, 1)
	require.Equal(t, order.NoticeCouponInvalid, res.Notices[0].Type)

	expired := coded
	to := now.Add(-time.Hour)
	expired.DateTo = &to
	o.CouponCode = "SPRING"
	res, err = Matcher{}.Match(context.Background(), o, []Discount{expired}, now)
	require.NoError(t, err)
	require.Len(t, res.Notices, 1)
	require.Equal(t, order.NoticeCouponNotEligible, res.Notices[0].Type)
	require.Contains(t, res.Notices[0].Message, "expired")
}

func TestDuplicateCouponCodeIsFatal(t *testing.T) {
	a := percentOff(1, "0.1")
	a.Code = "DUP"
	b := percentOff(2, "0.2")
	b.Code = "dup"
	o := cart(item("li1", "p1", 1_000, 1))
	o.CouponCode = "DUP"

	_, err := Matcher{}.Match(context.Background(), o, []Discount{a, b}, now)
	require.ErrorIs(t, err, ErrDuplicateCode)
	require.Equal(t, common.KindFatal, common.KindOf(err))
}

func TestMatchingDiscountsForLineItem(t *testing.T) {
	o := cart(item("li1", "p1", 1_000, 1), item("li2", "p2", 1_000, 1))
	a := Discount{ID: 1, Name: "p1", Enabled: true, PurchasableIDs: []string{"p1"}, BaseDiscount: 100}
	b := Discount{ID: 2, Name: "p2", Enabled: true, PurchasableIDs: []string{"p2"}, BaseDiscount: 100}

	all, err := Matcher{}.MatchingDiscounts(context.Background(), o, []Discount{b, a}, nil, now)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].ID)

	li := o.LineItems[1]
	only, err := Matcher{}.MatchingDiscounts(context.Background(), o, []Discount{a, b}, &li, now)
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, int64(2), only[0].ID)
}

func TestMatchIsDeterministic(t *testing.T) {
	o := cart(item("li1", "p1", 3_333, 3))
	d := percentOff(1, "0.15")
	first, err := Matcher{}.Match(context.Background(), o, []Discount{d}, now)
	require.NoError(t, err)
	second, err := Matcher{}.Match(context.Background(), o, []Discount{d}, now)
	require.NoError(t, err)
	require.Equal(t, first.Adjustments, second.Adjustments)
}
