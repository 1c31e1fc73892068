package order

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

var (
	// ErrNotFound indicates the order could not be located.
	ErrNotFound = errors.New("order not found")
	// ErrLineItemNotFound indicates the line item is not on the order.
	ErrLineItemNotFound = errors.New("line item not found")
	// ErrCompleted is returned when mutating an order that has been completed.
	ErrCompleted = errors.New("order already completed")
	// ErrConflict indicates a concurrent writer saved the order first.
	ErrConflict = errors.New("order version conflict")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusCart      Status = "cart"
	StatusCompleted Status = "completed"
)

// Customer is the shopper the order belongs to.
type Customer struct {
	ID       string   `json:"id,omitempty"`
	Email    string   `json:"email,omitempty"`
	GroupIDs []string `json:"groupIds,omitempty"`
}

// Order is the cart aggregate root. Totals, Adjustments and pipeline notices
// are derived and rewritten by every recalculation.
type Order struct {
	ID       string   `json:"id"`
	Currency string   `json:"currency"`
	Status   Status   `json:"status"`
	Customer Customer `json:"customer"`

	// PaymentCurrency and PaymentRate convert the total into the currency the
	// customer pays in. A zero rate means no conversion.
	PaymentCurrency string          `json:"paymentCurrency,omitempty"`
	PaymentRate     decimal.Decimal `json:"paymentRate"`

	LineItems []LineItem `json:"lineItems"`

	ShippingAddress          *zone.Address `json:"shippingAddress,omitempty"`
	BillingAddress           *zone.Address `json:"billingAddress,omitempty"`
	EstimatedShippingAddress *zone.Address `json:"estimatedShippingAddress,omitempty"`

	CouponCode       string `json:"couponCode,omitempty"`
	ShippingMethodID string `json:"shippingMethodId,omitempty"`

	Adjustments []Adjustment `json:"adjustments"`
	Totals      Totals       `json:"totals"`
	Notices     []Notice     `json:"notices,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New returns an empty cart in the provided currency.
func New(id, currency string, customer Customer, now time.Time) *Order {
	return &Order{
		ID:        id,
		Currency:  money.NormalizeCurrency(currency),
		Status:    StatusCart,
		Customer:  customer,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsCompleted reports whether the order has been frozen by checkout.
func (o *Order) IsCompleted() bool {
	return o != nil && o.Status == StatusCompleted
}

// TotalQty sums the quantity of every line item.
func (o *Order) TotalQty() int {
	total := 0
	for _, li := range o.LineItems {
		total += li.Qty
	}
	return total
}

// ItemSubtotal is Σ qty × salePrice in the order currency.
func (o *Order) ItemSubtotal() money.Money {
	total := money.Zero(o.Currency)
	for _, li := range o.LineItems {
		total.Amount += li.Subtotal().Amount
	}
	return total
}

// ShippingAddressForRules returns the shipping address, or the estimate when
// the customer has not provided one yet.
func (o *Order) ShippingAddressForRules() *zone.Address {
	if o.ShippingAddress != nil {
		return o.ShippingAddress
	}
	return o.EstimatedShippingAddress
}

// LineItem returns a pointer to the line item with the given id.
func (o *Order) LineItem(id string) (*LineItem, bool) {
	for i := range o.LineItems {
		if o.LineItems[i].ID == id {
			return &o.LineItems[i], true
		}
	}
	return nil, false
}

// RemoveLineItem drops the line item with the given id.
func (o *Order) RemoveLineItem(id string) bool {
	for i := range o.LineItems {
		if o.LineItems[i].ID == id {
			o.LineItems = append(o.LineItems[:i], o.LineItems[i+1:]...)
			return true
		}
	}
	return false
}

// AdjustmentsOf returns the adjustments of the given type.
func (o *Order) AdjustmentsOf(t AdjustmentType) []Adjustment {
	var out []Adjustment
	for _, adj := range o.Adjustments {
		if adj.Type == t {
			out = append(out, adj)
		}
	}
	return out
}

// LineItemAdjustments returns adjustments attributed to a line item.
func (o *Order) LineItemAdjustments(lineItemID string) []Adjustment {
	var out []Adjustment
	for _, adj := range o.Adjustments {
		if adj.LineItemID == lineItemID {
			out = append(out, adj)
		}
	}
	return out
}

// Clone returns a deep copy so a failed recalculation never touches the
// caller's order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Customer.GroupIDs = cloneStrings(o.Customer.GroupIDs)
	cp.ShippingAddress = cloneAddress(o.ShippingAddress)
	cp.BillingAddress = cloneAddress(o.BillingAddress)
	cp.EstimatedShippingAddress = cloneAddress(o.EstimatedShippingAddress)
	if o.LineItems != nil {
		cp.LineItems = make([]LineItem, len(o.LineItems))
		for i, li := range o.LineItems {
			cp.LineItems[i] = li.Clone()
		}
	}
	if o.Adjustments != nil {
		cp.Adjustments = make([]Adjustment, len(o.Adjustments))
		for i, adj := range o.Adjustments {
			adj.Source.Snapshot = cloneRaw(adj.Source.Snapshot)
			cp.Adjustments[i] = adj
		}
	}
	if o.Notices != nil {
		cp.Notices = append([]Notice(nil), o.Notices...)
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func cloneAddress(a *zone.Address) *zone.Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage(nil), in...)
}

// Money returns amount in the order currency.
func (o *Order) Money(amount int64) money.Money {
	return money.New(amount, o.Currency)
}
