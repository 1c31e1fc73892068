package events

// Topic constants for domain events emitted by the pricing engine.
const (
	TopicOrderRecalculated = "order.recalculated"
	TopicOrderCompleted    = "order.completed"
	TopicCouponRaceLost    = "coupon.race_lost"
	TopicLineItemClamped   = "line_item.qty_clamped"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicOrderRecalculated,
		TopicOrderCompleted,
		TopicCouponRaceLost,
		TopicLineItemClamped,
	}
}

// RecalculatedPayload is the body of order.recalculated.
type RecalculatedPayload struct {
	OrderID        string   `json:"orderId"`
	Version        int64    `json:"version"`
	Currency       string   `json:"currency"`
	TotalPrice     int64    `json:"totalPrice"`
	NeedsAttention bool     `json:"needsAttention"`
	Notices        []string `json:"notices,omitempty"`
}

// CompletedPayload is the body of order.completed.
type CompletedPayload struct {
	OrderID    string `json:"orderId"`
	Currency   string `json:"currency"`
	TotalPrice int64  `json:"totalPrice"`
	TotalPaid  int64  `json:"totalPaid"`
	Reference  string `json:"reference,omitempty"`
	CouponCode string `json:"couponCode,omitempty"`
}

// CouponRaceLostPayload is the body of coupon.race_lost.
type CouponRaceLostPayload struct {
	OrderID    string `json:"orderId"`
	DiscountID int64  `json:"discountId"`
	CouponCode string `json:"couponCode"`
}

// LineItemClampedPayload is the body of line_item.qty_clamped.
type LineItemClampedPayload struct {
	OrderID       string `json:"orderId"`
	LineItemID    string `json:"lineItemId"`
	PurchasableID string `json:"purchasableId"`
	RequestedQty  int    `json:"requestedQty"`
	Qty           int    `json:"qty"`
}
