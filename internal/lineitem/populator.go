package lineitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/order"
)

var (
	// ErrUnavailable is returned when the purchasable is disabled or out of stock.
	ErrUnavailable = errors.New("purchasable unavailable")
	// ErrNonPositiveQty is returned when a saved line item drops to zero.
	ErrNonPositiveQty = errors.New("line item quantity must be positive")
)

// PriceResolver computes the promotional price of a purchasable.
type PriceResolver interface {
	ResolvePrice(ctx context.Context, p catalog.Purchasable, groups []string, at time.Time) (catalog.Resolution, error)
}

// Outcome reports what population did to the line item. OK false means the
// caller must drop or flag the item; Reason says why.
type Outcome struct {
	OK           bool
	QtyAdjusted  bool
	RequestedQty int
	Qty          int
	Reason       error
}

// Populator snapshots purchasables into line items.
type Populator struct {
	Prices                    PriceResolver
	DefaultTaxCategoryID      string
	DefaultShippingCategoryID string
	Now                       func() time.Time
}

// New builds an unsaved line item for the order.
func New(o *order.Order, purchasableID string, qty int, options map[string]any) (order.LineItem, error) {
	sig, err := Signature(options)
	if err != nil {
		return order.LineItem{}, err
	}
	return order.LineItem{
		ID:               uuid.NewString(),
		OrderID:          o.ID,
		PurchasableID:    purchasableID,
		Qty:              qty,
		Options:          options,
		OptionsSignature: sig,
	}, nil
}

// Populate copies price and category data from the purchasable into li,
// resolves the sale price and clamps the quantity to available stock.
// Repeated calls with unchanged input leave li unchanged.
func (p *Populator) Populate(ctx context.Context, li *order.LineItem, pur catalog.Purchasable, o *order.Order) (Outcome, error) {
	out := Outcome{RequestedQty: li.Qty, Qty: li.Qty}
	if li.Qty <= 0 {
		if li.Persisted {
			out.Reason = ErrNonPositiveQty
			return out, nil
		}
		return out, common.Validation("line_item_invalid", common.FieldErrors{"qty": "must be at least 1"})
	}
	if !pur.IsAvailable() {
		out.Reason = common.NewAppError(common.KindAvailability, "purchasable_unavailable", pur.SKU, ErrUnavailable)
		return out, nil
	}
	if money.NormalizeCurrency(pur.Price.Currency) != o.Currency {
		return out, common.Fatal("currency_mismatch", fmt.Errorf("purchasable %s priced in %s on %s order: %w", pur.ID, pur.Price.Currency, o.Currency, money.ErrCurrencyMismatch))
	}

	if available := pur.AvailableQty(li.Qty); available < li.Qty {
		li.Qty = available
		out.Qty = available
		out.QtyAdjusted = true
		o.AddNotice(order.Notice{
			Type:      order.NoticeQtyClamped,
			Attribute: li.ID,
			Message:   fmt.Sprintf("Only %d of %s are available; the quantity was reduced.", available, pur.SKU),
		})
	}

	li.OrderID = o.ID
	li.PurchasableID = pur.ID
	li.Price = pur.Price
	li.Weight, li.Length, li.Width, li.Height = pur.Weight, pur.Length, pur.Width, pur.Height
	li.TaxCategoryID = firstNonEmpty(pur.TaxCategoryID, p.DefaultTaxCategoryID)
	li.ShippingCategoryID = firstNonEmpty(pur.ShippingCategoryID, p.DefaultShippingCategoryID)
	li.CategoryIDs = append([]string(nil), pur.CategoryIDs...)
	li.Promotable = pur.Promotable
	li.Shippable = pur.Shippable
	li.FreeShipping = pur.FreeShipping

	res := catalog.Resolution{BasePrice: pur.Price, PromotionalPrice: pur.Price}
	if p.Prices != nil {
		resolved, err := p.Prices.ResolvePrice(ctx, pur, o.Customer.GroupIDs, p.now())
		if err != nil {
			return out, fmt.Errorf("resolve price for %s: %w", pur.ID, err)
		}
		res = resolved
	}
	li.SalePrice = res.PromotionalPrice.FloorZero()
	li.SaleAmount = res.Savings().Neg()
	li.OnSale = res.OnSale()

	if len(li.Snapshot) == 0 {
		snap, err := snapshot(pur, li.Options)
		if err != nil {
			return out, fmt.Errorf("snapshot %s: %w", pur.ID, err)
		}
		li.Snapshot = snap
	}
	if li.OptionsSignature == "" {
		sig, err := Signature(li.Options)
		if err != nil {
			return out, err
		}
		li.OptionsSignature = sig
	}

	if err := Validate(*li); err != nil {
		return out, err
	}
	out.OK = true
	return out, nil
}

func (p *Populator) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// snapshot merges purchasable extras under the core fields. Core keys win.
func snapshot(pur catalog.Purchasable, options map[string]any) (json.RawMessage, error) {
	data := make(map[string]any, len(pur.SnapshotExtra)+6)
	for k, v := range pur.SnapshotExtra {
		data[k] = v
	}
	data["purchasableId"] = pur.ID
	data["sku"] = pur.SKU
	data["description"] = pur.Description
	data["price"] = pur.Price
	if len(options) > 0 {
		data["options"] = options
	}
	return json.Marshal(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
