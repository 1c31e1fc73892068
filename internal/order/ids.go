package order

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var adjustmentNamespace = uuid.MustParse("6f1c2b8e-3a4d-5e6f-9a0b-1c2d3e4f5a6b")

// AdjustmentID derives a stable identifier so recalculating unchanged input
// yields identical adjustments.
func AdjustmentID(orderID string, t AdjustmentType, src Source, lineItemID string) string {
	key := strings.Join([]string{orderID, string(t), src.Kind, strconv.FormatInt(src.ID, 10), lineItemID}, "|")
	return uuid.NewSHA1(adjustmentNamespace, []byte(key)).String()
}

// NewAdjustment builds an adjustment with a derived id.
func (o *Order) NewAdjustment(t AdjustmentType, lineItemID, name string, src Source, amount int64) Adjustment {
	return Adjustment{
		ID:         AdjustmentID(o.ID, t, src, lineItemID),
		OrderID:    o.ID,
		LineItemID: lineItemID,
		Type:       t,
		Name:       name,
		Amount:     o.Money(amount),
		Source:     src,
	}
}
