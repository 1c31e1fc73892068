package order

import (
	"encoding/json"

	"github.com/noah-isme/toko-pricing/internal/money"
)

// AdjustmentType names the pipeline stage that produced an adjustment.
type AdjustmentType string

const (
	AdjustmentDiscount    AdjustmentType = "discount"
	AdjustmentShipping    AdjustmentType = "shipping"
	AdjustmentTax         AdjustmentType = "tax"
	AdjustmentTaxIncluded AdjustmentType = "taxIncluded"
)

// Source identifies the rule behind an adjustment.
type Source struct {
	Kind     string          `json:"kind"`
	ID       int64           `json:"id"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// Adjustment is a signed delta attributed to a line item, or to the whole
// order when LineItemID is empty. Included amounts are already part of the
// unit price and never added to the total again.
type Adjustment struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"orderId"`
	LineItemID  string         `json:"lineItemId,omitempty"`
	Type        AdjustmentType `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Amount      money.Money    `json:"amount"`
	Included    bool           `json:"included"`
	Source      Source         `json:"source"`
}

// OrderLevel reports whether the adjustment belongs to the order itself.
func (a Adjustment) OrderLevel() bool {
	return a.LineItemID == ""
}

// Totals are the derived values cached on the order. DiscountedSubtotal is
// ItemSubtotal plus line item discount adjustments.
type Totals struct {
	ItemSubtotal       money.Money `json:"itemSubtotal"`
	DiscountedSubtotal money.Money `json:"discountedSubtotal"`
	BaseShippingCost   money.Money `json:"baseShippingCost"`
	TotalDiscount      money.Money `json:"totalDiscount"`
	TotalShipping      money.Money `json:"totalShipping"`
	TotalTax           money.Money `json:"totalTax"`
	TotalTaxIncluded   money.Money `json:"totalTaxIncluded"`
	TotalPrice         money.Money `json:"totalPrice"`
	TotalPaid          money.Money `json:"totalPaid"`
	PaymentAmount      money.Money `json:"paymentAmount"`

	ShippingMethodID string `json:"shippingMethodId,omitempty"`
	ShippingRuleID   int64  `json:"shippingRuleId,omitempty"`
	FreeShipping     bool   `json:"freeShipping"`
	NeedsAttention   bool   `json:"needsAttention"`
}
