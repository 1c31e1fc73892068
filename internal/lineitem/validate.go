package lineitem

import (
	"encoding/json"
	"fmt"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/order"
)

type checked struct {
	PurchasableID string `json:"purchasableId" validate:"required"`
	Qty           int    `json:"qty" validate:"gte=1"`
	TaxCategoryID string `json:"taxCategoryId" validate:"required"`
	SalePrice     int64  `json:"salePrice" validate:"gte=0"`
}

// Validate checks a populated line item.
func Validate(li order.LineItem) error {
	fields := common.ValidateStruct(checked{
		PurchasableID: li.PurchasableID,
		Qty:           li.Qty,
		TaxCategoryID: li.TaxCategoryID,
		SalePrice:     li.SalePrice.Amount,
	})
	if fields == nil {
		return nil
	}
	return common.Validation("line_item_invalid", fields)
}

// Signature hashes the options map into a stable key used to merge line items.
func Signature(options map[string]any) (string, error) {
	if len(options) == 0 {
		return common.Sha256Hex("{}"), nil
	}
	// map keys are marshalled in sorted order
	raw, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("options signature: %w", err)
	}
	return common.Sha256Hex(string(raw)), nil
}
