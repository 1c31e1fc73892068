package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/money"
)

// ErrNotFound indicates the purchasable could not be located.
var ErrNotFound = errors.New("purchasable not found")

// Purchasable is a catalog item that can be placed on a line item. It is
// read-only to the pricing engine.
type Purchasable struct {
	ID          string      `json:"id"`
	SKU         string      `json:"sku"`
	Description string      `json:"description"`
	Price       money.Money `json:"price"`

	TaxCategoryID      string   `json:"taxCategoryId,omitempty"`
	ShippingCategoryID string   `json:"shippingCategoryId,omitempty"`
	ProductID          string   `json:"productId,omitempty"`
	CategoryIDs        []string `json:"categoryIds,omitempty"`

	Enabled        bool `json:"enabled"`
	Stock          int  `json:"stock"`
	UnlimitedStock bool `json:"unlimitedStock"`
	Promotable     bool `json:"promotable"`
	FreeShipping   bool `json:"freeShipping"`
	Shippable      bool `json:"shippable"`

	Weight decimal.Decimal `json:"weight"`
	Length decimal.Decimal `json:"length"`
	Width  decimal.Decimal `json:"width"`
	Height decimal.Decimal `json:"height"`

	// SnapshotExtra is merged into line item snapshots.
	SnapshotExtra map[string]any `json:"snapshotExtra,omitempty"`
}

// IsAvailable reports whether the purchasable can be bought at all.
func (p Purchasable) IsAvailable() bool {
	if !p.Enabled {
		return false
	}
	return p.UnlimitedStock || p.Stock > 0
}

// AvailableQty clamps the requested quantity to the finite stock level.
func (p Purchasable) AvailableQty(requested int) int {
	if p.UnlimitedStock || requested <= p.Stock {
		return requested
	}
	if p.Stock < 0 {
		return 0
	}
	return p.Stock
}

// Repository loads purchasables from the catalog.
type Repository interface {
	GetPurchasable(ctx context.Context, id string) (Purchasable, error)
}
