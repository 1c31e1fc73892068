package cart_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/cart"
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/lineitem"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/repo"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/tax"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

var us = &zone.Address{Country: "US", State: "CA"}

func limited() catalog.Purchasable {
	return catalog.Purchasable{
		ID: "p1", SKU: "LIMITED", Price: money.New(10_000, "USD"),
		TaxCategoryID: "general", ShippingCategoryID: "4",
		Enabled: true, Stock: 3, Promotable: true, Shippable: true,
	}
}

func newService(t *testing.T) (*cart.Service, *repo.Memory) {
	t.Helper()
	mem := repo.NewMemory()
	mem.Now = clock
	mem.PutZone(zone.Zone{ID: 1, Name: "US", Countries: []string{"US"}})
	mem.PutPurchasable(limited())
	mem.PutPurchasable(catalog.Purchasable{
		ID: "p2", SKU: "MUG", Price: money.New(2_500, "USD"),
		TaxCategoryID: "general", ShippingCategoryID: "4",
		Enabled: true, UnlimitedStock: true, Promotable: true, Shippable: true,
	})
	require.NoError(t, mem.PutDiscount(discount.Discount{
		ID: 1, Name: "Ten off", Code: "SAVE10", Enabled: true, AllPurchasables: true, AllCategories: true,
		PercentDiscount: decimal.RequireFromString("0.1"),
	}))
	require.NoError(t, mem.PutShippingMethod(shipping.Method{
		ID: "ground", Name: "Ground", Enabled: true,
		Rules: []shipping.Rule{{ID: 1, Name: "Anywhere", Enabled: true, BaseRate: 500, PerItemRate: 100}},
	}))
	require.NoError(t, mem.PutTaxRate(tax.Rate{
		ID: 1, Name: "Sales tax", Enabled: true, ZoneID: 1, TaxCategoryID: "general",
		Rate: decimal.RequireFromString("0.05"), Taxable: tax.TaxablePrice,
	}))

	svc := &cart.Service{
		Store:     mem,
		Catalog:   mem,
		Populator: &lineitem.Populator{Prices: &catalog.Resolver{Rules: mem, Now: clock}, Now: clock},
		Engine: &pricing.Engine{
			Discounts: mem, Shipping: mem, Taxes: mem, Zones: mem,
			Usage: discount.NewMemoryUsage(),
			Now:   clock,
		},
		Locker:   lock.NewLocalLocker(),
		Events:   &events.Bus{Store: mem, Now: clock},
		Currency: "usd",
		Now:      clock,
	}
	return svc, mem
}

func newCart(t *testing.T, svc *cart.Service) *order.Order {
	t.Helper()
	o, err := svc.EnsureCart(context.Background(), order.Customer{ID: "c1", Email: " Shopper@Example.test "})
	require.NoError(t, err)
	return o
}

func TestEnsureCartReusesOpenCart(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first := newCart(t, svc)
	require.Equal(t, "USD", first.Currency)
	require.Equal(t, "shopper@example.test", first.Customer.Email)
	require.Equal(t, int64(1), first.Version)
	require.Zero(t, first.Totals.TotalPrice.Amount)

	again, err := svc.EnsureCart(ctx, order.Customer{ID: "c1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	anon1, err := svc.EnsureCart(ctx, order.Customer{})
	require.NoError(t, err)
	anon2, err := svc.EnsureCart(ctx, order.Customer{})
	require.NoError(t, err)
	require.NotEqual(t, anon1.ID, anon2.ID)
}

func TestAddItemMergesAndPrices(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)

	_, err := svc.SetShippingAddress(ctx, o.ID, us)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, o.ID, "p2", 1, nil)
	require.NoError(t, err)
	o, err = svc.AddItem(ctx, o.ID, "p2", 3, nil)
	require.NoError(t, err)

	require.Len(t, o.LineItems, 1)
	li := o.LineItems[0]
	require.Equal(t, 4, li.Qty)
	require.True(t, li.Persisted)
	require.Equal(t, int64(2_500), li.SalePrice.Amount)
	require.NotEmpty(t, li.Snapshot)

	// 10000 items + 900 shipping + 500 tax
	require.Equal(t, int64(10_000), o.Totals.ItemSubtotal.Amount)
	require.Equal(t, int64(900), o.Totals.TotalShipping.Amount)
	require.Equal(t, int64(500), o.Totals.TotalTax.Amount)
	require.Equal(t, int64(11_400), o.Totals.TotalPrice.Amount)
	require.Equal(t, "ground", o.Totals.ShippingMethodID)

	o, err = svc.AddItem(ctx, o.ID, "p2", 1, map[string]any{"color": "red"})
	require.NoError(t, err)
	require.Len(t, o.LineItems, 2, "different options make a new line")
}

func TestApplyAndRemoveCoupon(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)
	_, err := svc.SetShippingAddress(ctx, o.ID, us)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, o.ID, "p2", 4, nil)
	require.NoError(t, err)

	o, err = svc.ApplyCoupon(ctx, o.ID, " save10 ")
	require.NoError(t, err)
	require.Equal(t, int64(-1_000), o.Totals.TotalDiscount.Amount)
	require.Equal(t, int64(450), o.Totals.TotalTax.Amount)
	require.Equal(t, int64(10_350), o.Totals.TotalPrice.Amount)

	o, err = svc.ApplyCoupon(ctx, o.ID, "NOPE")
	require.NoError(t, err)
	require.True(t, o.HasNotice(order.NoticeCouponInvalid))
	require.False(t, o.Totals.NeedsAttention)
	require.Equal(t, int64(11_400), o.Totals.TotalPrice.Amount)

	o, err = svc.RemoveCoupon(ctx, o.ID)
	require.NoError(t, err)
	require.Empty(t, o.CouponCode)
	require.False(t, o.HasNotice(order.NoticeCouponInvalid))

	_, err = svc.ApplyCoupon(ctx, o.ID, "  ")
	require.ErrorIs(t, err, cart.ErrInvalidInput)
}

func TestQtyClampEmitsEvent(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)

	o, err := svc.AddItem(ctx, o.ID, "p1", 5, nil)
	require.NoError(t, err)
	require.Equal(t, 3, o.LineItems[0].Qty)
	require.True(t, o.HasNotice(order.NoticeQtyClamped))

	clamped := mem.Events(events.TopicLineItemClamped)
	require.Len(t, clamped, 1)
	var payload events.LineItemClampedPayload
	require.NoError(t, json.Unmarshal(clamped[0].Payload, &payload))
	require.Equal(t, 5, payload.RequestedQty)
	require.Equal(t, 3, payload.Qty)
	require.Equal(t, o.LineItems[0].ID, payload.LineItemID)

	o, err = svc.Refresh(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, o.HasNotice(order.NoticeQtyClamped), "clamp notice survives recalculation")
	require.Len(t, mem.Events(events.TopicLineItemClamped), 1)

	o, err = svc.UpdateQty(ctx, o.ID, o.LineItems[0].ID, 2)
	require.NoError(t, err)
	require.False(t, o.HasNotice(order.NoticeQtyClamped))
	require.Len(t, mem.Events(events.TopicOrderRecalculated), 3)
}

func TestUnavailableItemIsFlaggedNotDropped(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)
	o, err := svc.AddItem(ctx, o.ID, "p1", 1, nil)
	require.NoError(t, err)
	itemID := o.LineItems[0].ID

	disabled := limited()
	disabled.Enabled = false
	mem.PutPurchasable(disabled)

	o, err = svc.Refresh(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, o.LineItems, 1)
	require.True(t, o.HasNotice(order.NoticeItemUnavailable))
	require.Equal(t, itemID, o.Notices[0].Attribute)
	require.True(t, o.Totals.NeedsAttention)

	_, err = svc.AddItem(ctx, o.ID, "p1", 1, map[string]any{"gift": true})
	require.Equal(t, common.KindAvailability, common.KindOf(err))
	require.ErrorIs(t, err, lineitem.ErrUnavailable)

	o, err = svc.RemoveItem(ctx, o.ID, itemID)
	require.NoError(t, err)
	require.Empty(t, o.LineItems)
	require.False(t, o.Totals.NeedsAttention)
	require.Empty(t, o.Notices)
}

func TestUpdateQtyAndRemove(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)
	o, err := svc.AddItem(ctx, o.ID, "p2", 2, nil)
	require.NoError(t, err)
	id := o.LineItems[0].ID

	o, err = svc.UpdateQty(ctx, o.ID, id, 5)
	require.NoError(t, err)
	require.Equal(t, 5, o.LineItems[0].Qty)
	require.Equal(t, int64(12_500), o.Totals.ItemSubtotal.Amount)

	o, err = svc.UpdateQty(ctx, o.ID, id, 0)
	require.NoError(t, err)
	require.Empty(t, o.LineItems)

	_, err = svc.UpdateQty(ctx, o.ID, id, 1)
	require.ErrorIs(t, err, order.ErrLineItemNotFound)
	_, err = svc.RemoveItem(ctx, o.ID, id)
	require.ErrorIs(t, err, order.ErrLineItemNotFound)

	_, err = svc.AddItem(ctx, o.ID, "ghost", 1, nil)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = svc.AddItem(ctx, o.ID, "p2", 0, nil)
	require.ErrorIs(t, err, cart.ErrInvalidInput)
}

func TestShippingMethodSelectionFallsBack(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)
	_, err := svc.AddItem(ctx, o.ID, "p2", 1, nil)
	require.NoError(t, err)

	o, err = svc.SelectShippingMethod(ctx, o.ID, "air")
	require.NoError(t, err)
	require.Equal(t, "air", o.ShippingMethodID)
	require.Equal(t, "ground", o.Totals.ShippingMethodID)
	require.True(t, o.HasNotice(order.NoticeShippingMethodChanged))

	o, err = svc.SetEstimatedAddress(ctx, o.ID, us)
	require.NoError(t, err)
	require.Equal(t, int64(125), o.Totals.TotalTax.Amount, "estimate address drives tax")
	o, err = svc.SetBillingAddress(ctx, o.ID, &zone.Address{Country: "DE"})
	require.NoError(t, err)
	require.Equal(t, "DE", o.BillingAddress.Country)
}

func TestMutationsRejectCompletedOrder(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)

	stored, err := mem.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	stored.Status = order.StatusCompleted
	require.NoError(t, mem.SaveOrder(ctx, stored))

	_, err = svc.AddItem(ctx, o.ID, "p2", 1, nil)
	require.ErrorIs(t, err, order.ErrCompleted)
	_, err = svc.Refresh(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	_, err = (&cart.Service{}).Refresh(ctx, o.ID)
	require.Error(t, err)
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	o := newCart(t, svc)

	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddItem(ctx, o.ID, "p2", 1, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.False(t, errors.Is(err, order.ErrConflict), "lock must prevent version conflicts")
		require.NoError(t, err)
	}

	final, err := mem.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, final.LineItems, 1)
	require.Equal(t, workers, final.LineItems[0].Qty)
	require.Equal(t, int64(1+workers), final.Version)
	require.Equal(t, int64(workers*2_500), final.Totals.ItemSubtotal.Amount)
}
