package order

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/money"
)

// LineItem is a purchasable placed on an order together with the values
// snapshotted from the catalog at population time.
type LineItem struct {
	ID            string `json:"id"`
	OrderID       string `json:"orderId"`
	PurchasableID string `json:"purchasableId"`
	Qty           int    `json:"qty"`

	Price      money.Money `json:"price"`
	SalePrice  money.Money `json:"salePrice"`
	SaleAmount money.Money `json:"saleAmount"`
	OnSale     bool        `json:"onSale"`

	Weight decimal.Decimal `json:"weight"`
	Length decimal.Decimal `json:"length"`
	Width  decimal.Decimal `json:"width"`
	Height decimal.Decimal `json:"height"`

	TaxCategoryID      string   `json:"taxCategoryId"`
	ShippingCategoryID string   `json:"shippingCategoryId"`
	CategoryIDs        []string `json:"categoryIds,omitempty"`
	Promotable         bool     `json:"promotable"`
	Shippable          bool     `json:"shippable"`
	FreeShipping       bool     `json:"freeShipping"`

	// Snapshot is written once and never refreshed.
	Snapshot         json.RawMessage `json:"snapshot,omitempty"`
	Options          map[string]any  `json:"options,omitempty"`
	OptionsSignature string          `json:"optionsSignature"`

	// Persisted marks items that have been saved at least once.
	Persisted bool `json:"persisted"`
}

// Subtotal is qty × salePrice.
func (li LineItem) Subtotal() money.Money {
	return li.SalePrice.WithAmount(li.SalePrice.Amount * int64(li.Qty))
}

// TotalWeight is the unit weight times quantity.
func (li LineItem) TotalWeight() decimal.Decimal {
	return li.Weight.Mul(decimal.NewFromInt(int64(li.Qty)))
}

// Clone deep copies the line item.
func (li LineItem) Clone() LineItem {
	cp := li
	cp.CategoryIDs = cloneStrings(li.CategoryIDs)
	cp.Snapshot = cloneRaw(li.Snapshot)
	if li.Options != nil {
		cp.Options = make(map[string]any, len(li.Options))
		for k, v := range li.Options {
			cp.Options[k] = v
		}
	}
	return cp
}
