package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/lineitem"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/money"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

// ErrInvalidInput is returned when the provided arguments are invalid.
var ErrInvalidInput = errors.New("invalid input")

// Store loads and saves orders with optimistic versioning.
type Store interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	FindCart(ctx context.Context, customerID string) (*order.Order, error)
	SaveOrder(ctx context.Context, o *order.Order) error
}

// Recalculator prices an order from scratch.
type Recalculator interface {
	Recalculate(ctx context.Context, o *order.Order) (pricing.Result, error)
}

// Service encapsulates cart mutations. Every mutation runs under the order
// lock: load, mutate a copy, repopulate line items, recalculate, save.
type Service struct {
	Store     Store
	Catalog   catalog.Repository
	Populator *lineitem.Populator
	Engine    Recalculator
	Locker    lock.Locker
	Events    events.Emitter

	Log      zerolog.Logger
	Currency string
	LockTTL  time.Duration
	Now      func() time.Time
}

func (s *Service) lockTTL() time.Duration {
	if s == nil || s.LockTTL <= 0 {
		return lock.DefaultTTL
	}
	return s.LockTTL
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) configured() error {
	if s == nil || s.Store == nil || s.Catalog == nil || s.Populator == nil || s.Engine == nil || s.Locker == nil {
		return errors.New("cart service not configured")
	}
	return nil
}

// EnsureCart returns the customer's open cart, creating a priced empty cart
// when none exists. Customers without an id always get a new cart.
func (s *Service) EnsureCart(ctx context.Context, customer order.Customer) (*order.Order, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	customer.ID = strings.TrimSpace(customer.ID)
	customer.Email = discount.NormalizeEmail(customer.Email)
	if customer.ID != "" {
		existing, err := s.Store.FindCart(ctx, customer.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, order.ErrNotFound) {
			return nil, err
		}
	}

	currency := money.NormalizeCurrency(s.Currency)
	if currency == "" {
		currency = "USD"
	}
	o := order.New(uuid.NewString(), currency, customer, s.now())
	res, err := s.Engine.Recalculate(ctx, o)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SaveOrder(ctx, res.Order); err != nil {
		return nil, err
	}
	s.Log.Info().Str("order_id", o.ID).Str("customer_id", customer.ID).Msg("cart created")
	return res.Order, nil
}

// AddItem adds qty of a purchasable. An existing line with the same
// purchasable and options signature is incremented instead.
func (s *Service) AddItem(ctx context.Context, orderID, purchasableID string, qty int, options map[string]any) (*order.Order, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("qty must be positive: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(purchasableID) == "" {
		return nil, fmt.Errorf("purchasable id required: %w", ErrInvalidInput)
	}
	return s.mutate(ctx, orderID, func(ctx context.Context, o *order.Order) error {
		item, err := lineitem.New(o, purchasableID, qty, options)
		if err != nil {
			return err
		}
		for i := range o.LineItems {
			existing := &o.LineItems[i]
			if existing.PurchasableID == purchasableID && existing.OptionsSignature == item.OptionsSignature {
				existing.Qty += qty
				dropItemNotices(o, existing.ID)
				return nil
			}
		}

		pur, err := s.Catalog.GetPurchasable(ctx, purchasableID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return common.NewAppError(common.KindAvailability, "purchasable_not_found", purchasableID, err)
			}
			return err
		}
		if !pur.IsAvailable() {
			return common.NewAppError(common.KindAvailability, "purchasable_unavailable", pur.SKU, lineitem.ErrUnavailable)
		}
		// populated with the rest of the order by repopulate
		o.LineItems = append(o.LineItems, item)
		return nil
	})
}

// UpdateQty sets a line item's quantity. Zero or less removes the line.
func (s *Service) UpdateQty(ctx context.Context, orderID, lineItemID string, qty int) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		li, ok := o.LineItem(lineItemID)
		if !ok {
			return fmt.Errorf("%w: %s", order.ErrLineItemNotFound, lineItemID)
		}
		dropItemNotices(o, lineItemID)
		if qty <= 0 {
			o.RemoveLineItem(lineItemID)
			return nil
		}
		li.Qty = qty
		return nil
	})
}

// RemoveItem deletes a line item.
func (s *Service) RemoveItem(ctx context.Context, orderID, lineItemID string) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		if !o.RemoveLineItem(lineItemID) {
			return fmt.Errorf("%w: %s", order.ErrLineItemNotFound, lineItemID)
		}
		dropItemNotices(o, lineItemID)
		return nil
	})
}

// SetShippingAddress replaces the shipping address. Nil clears it.
func (s *Service) SetShippingAddress(ctx context.Context, orderID string, addr *zone.Address) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.ShippingAddress = copyAddress(addr)
		return nil
	})
}

// SetBillingAddress replaces the billing address. Nil clears it.
func (s *Service) SetBillingAddress(ctx context.Context, orderID string, addr *zone.Address) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.BillingAddress = copyAddress(addr)
		return nil
	})
}

// SetEstimatedAddress sets the address used for shipping and tax estimates
// while no shipping address is known.
func (s *Service) SetEstimatedAddress(ctx context.Context, orderID string, addr *zone.Address) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.EstimatedShippingAddress = copyAddress(addr)
		return nil
	})
}

// ApplyCoupon attaches a coupon code. Codes that match no discount stay on
// the order and are reported with a coupon_invalid notice.
func (s *Service) ApplyCoupon(ctx context.Context, orderID, code string) (*order.Order, error) {
	code = discount.NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("coupon code required: %w", ErrInvalidInput)
	}
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.CouponCode = code
		o.ClearNotices(isRaceLost)
		return nil
	})
}

// RemoveCoupon clears the coupon code.
func (s *Service) RemoveCoupon(ctx context.Context, orderID string) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.CouponCode = ""
		o.ClearNotices(isRaceLost)
		return nil
	})
}

// SelectShippingMethod records the customer's method choice. The engine
// falls back to the cheapest viable method when it does not apply.
func (s *Service) SelectShippingMethod(ctx context.Context, orderID, methodID string) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.ShippingMethodID = strings.TrimSpace(methodID)
		return nil
	})
}

// Refresh re-snapshots every line item from the catalog and recalculates.
func (s *Service) Refresh(ctx context.Context, orderID string) (*order.Order, error) {
	return s.mutate(ctx, orderID, func(context.Context, *order.Order) error { return nil })
}

func (s *Service) mutate(ctx context.Context, orderID string, fn func(context.Context, *order.Order) error) (*order.Order, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	var saved *order.Order
	err := s.Locker.WithLock(ctx, lock.OrderKey(orderID), s.lockTTL(), func(ctx context.Context) error {
		current, err := s.Store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.IsCompleted() {
			return fmt.Errorf("%w: %s", order.ErrCompleted, orderID)
		}
		o := current.Clone()
		if err := fn(ctx, o); err != nil {
			return err
		}
		clamped, err := s.repopulate(ctx, o)
		if err != nil {
			return err
		}
		res, err := s.Engine.Recalculate(ctx, o)
		if err != nil {
			return err
		}
		next := res.Order
		for i := range next.LineItems {
			next.LineItems[i].Persisted = true
		}
		if err := s.Store.SaveOrder(ctx, next); err != nil {
			return err
		}
		saved = next
		s.publish(ctx, next, clamped)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// repopulate re-snapshots every line item. Items whose purchasable is gone
// or unavailable keep their last snapshot and get an item_unavailable notice.
func (s *Service) repopulate(ctx context.Context, o *order.Order) ([]events.LineItemClampedPayload, error) {
	o.ClearNotices(func(t order.NoticeType) bool { return t == order.NoticeItemUnavailable })
	pruneNotices(o)

	var clamped []events.LineItemClampedPayload
	for i := range o.LineItems {
		li := &o.LineItems[i]
		pur, err := s.Catalog.GetPurchasable(ctx, li.PurchasableID)
		if err != nil {
			if !errors.Is(err, catalog.ErrNotFound) {
				return nil, err
			}
			markUnavailable(o, li, err)
			continue
		}
		out, err := s.Populator.Populate(ctx, li, pur, o)
		if err != nil {
			return nil, err
		}
		if !out.OK {
			markUnavailable(o, li, out.Reason)
			continue
		}
		if out.QtyAdjusted {
			clamped = append(clamped, events.LineItemClampedPayload{
				OrderID:       o.ID,
				LineItemID:    li.ID,
				PurchasableID: li.PurchasableID,
				RequestedQty:  out.RequestedQty,
				Qty:           out.Qty,
			})
		}
	}
	return clamped, nil
}

func (s *Service) publish(ctx context.Context, o *order.Order, clamped []events.LineItemClampedPayload) {
	if s.Events == nil {
		return
	}
	log := obs.WithTrace(ctx, s.Log)
	notices := make([]string, 0, len(o.Notices))
	for _, n := range o.Notices {
		notices = append(notices, string(n.Type))
	}
	if _, err := s.Events.Emit(ctx, events.TopicOrderRecalculated, o.ID, events.RecalculatedPayload{
		OrderID:        o.ID,
		Version:        o.Version,
		Currency:       o.Currency,
		TotalPrice:     o.Totals.TotalPrice.Amount,
		NeedsAttention: o.Totals.NeedsAttention,
		Notices:        notices,
	}); err != nil {
		log.Warn().Err(err).Str("order_id", o.ID).Msg("emit order.recalculated failed")
	}
	for _, payload := range clamped {
		if _, err := s.Events.Emit(ctx, events.TopicLineItemClamped, o.ID, payload); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Str("line_item_id", payload.LineItemID).Msg("emit line_item.qty_clamped failed")
		}
	}
}

func markUnavailable(o *order.Order, li *order.LineItem, reason error) {
	msg := "This item is no longer available; remove it to continue."
	if reason != nil {
		msg = fmt.Sprintf("This item is no longer available (%v); remove it to continue.", reason)
	}
	o.AddNotice(order.Notice{Type: order.NoticeItemUnavailable, Attribute: li.ID, Message: msg})
}

// dropItemNotices removes every notice attached to the line item.
func dropItemNotices(o *order.Order, lineItemID string) {
	kept := o.Notices[:0]
	for _, n := range o.Notices {
		if n.Attribute != lineItemID {
			kept = append(kept, n)
		}
	}
	o.Notices = kept
	if len(o.Notices) == 0 {
		o.Notices = nil
	}
}

// pruneNotices drops qty_clamped notices whose line item is gone.
func pruneNotices(o *order.Order) {
	for _, n := range append([]order.Notice(nil), o.Notices...) {
		if n.Type != order.NoticeQtyClamped {
			continue
		}
		if _, ok := o.LineItem(n.Attribute); !ok {
			dropItemNotices(o, n.Attribute)
		}
	}
}

func isRaceLost(t order.NoticeType) bool {
	return t == order.NoticeCouponRaceLost
}

func copyAddress(a *zone.Address) *zone.Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
