package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

var (
	// ErrNeedsAttention is returned when blocking notices remain on the order.
	ErrNeedsAttention = errors.New("order needs attention")
	// ErrCouponRaceLost means another checkout used the coupon's last slot.
	ErrCouponRaceLost = errors.New("coupon no longer available")
	// ErrPaymentMismatch is returned when the payment does not cover the amount due.
	ErrPaymentMismatch = errors.New("payment amount does not match order total")
)

// Store loads and saves orders with optimistic versioning.
type Store interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	SaveOrder(ctx context.Context, o *order.Order) error
}

// Recalculator prices an order from scratch.
type Recalculator interface {
	Recalculate(ctx context.Context, o *order.Order) (pricing.Result, error)
}

// Payment is the captured payment completing an order. Amount is in minor
// units of the payment currency.
type Payment struct {
	Amount    int64
	Reference string
}

// Service completes orders.
type Service struct {
	Store   Store
	Engine  Recalculator
	Usage   discount.UsageCounter
	Locker  lock.Locker
	Events  events.Emitter
	Metrics *obs.PricingMetrics

	Log     zerolog.Logger
	LockTTL time.Duration
	Now     func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) lockTTL() time.Duration {
	if s == nil || s.LockTTL <= 0 {
		return lock.DefaultTTL
	}
	return s.LockTTL
}

// Complete recalculates the order, reserves its coupon and freezes it as
// completed. Losing the coupon race removes the coupon, saves the repriced
// cart and returns a consistency error so the customer can review it.
func (s *Service) Complete(ctx context.Context, orderID string, payment Payment) (*order.Order, error) {
	if s == nil || s.Store == nil || s.Engine == nil || s.Locker == nil || s.Usage == nil {
		return nil, errors.New("checkout service not configured")
	}
	var completed *order.Order
	err := s.Locker.WithLock(ctx, lock.OrderKey(orderID), s.lockTTL(), func(ctx context.Context) error {
		o, err := s.complete(ctx, orderID, payment)
		completed = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (s *Service) complete(ctx context.Context, orderID string, payment Payment) (*order.Order, error) {
	log := obs.WithTrace(ctx, s.Log).With().Str("order_id", orderID).Logger()

	current, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.IsCompleted() {
		return nil, fmt.Errorf("%w: %s", order.ErrCompleted, orderID)
	}
	if len(current.LineItems) == 0 {
		return nil, common.Validation("order_empty", common.FieldErrors{"lineItems": "must contain at least one item"})
	}

	res, err := s.Engine.Recalculate(ctx, current)
	if err != nil {
		return nil, err
	}
	priced := res.Order
	if priced.Totals.NeedsAttention {
		return nil, common.NewAppError(common.KindConsistency, "order_needs_attention", blockingSummary(priced), ErrNeedsAttention)
	}
	// PaymentAmount is TotalPrice converted into the payment currency.
	if due := priced.Totals.PaymentAmount.Amount; payment.Amount != due {
		return nil, common.NewAppError(common.KindValidation, "payment_amount_mismatch",
			fmt.Sprintf("expected %d, got %d", due, payment.Amount), ErrPaymentMismatch)
	}

	var reserved *discount.Discount
	if res.Coupon != nil {
		ok, err := s.Usage.TryReserveUse(ctx, *res.Coupon, priced.Customer.ID, priced.Customer.Email)
		if err != nil {
			s.Metrics.ObserveCouponReservation("error")
			return nil, fmt.Errorf("reserve coupon %s: %w", res.Coupon.Code, err)
		}
		if !ok {
			s.Metrics.ObserveCouponReservation("lost")
			return nil, s.loseCouponRace(ctx, priced, *res.Coupon, log)
		}
		s.Metrics.ObserveCouponReservation("reserved")
		reserved = res.Coupon
	}

	at := s.now()
	priced.Status = order.StatusCompleted
	priced.CompletedAt = &at
	priced.Totals.TotalPaid = priced.Totals.TotalPrice
	for i := range priced.LineItems {
		priced.LineItems[i].Persisted = true
	}
	if err := s.Store.SaveOrder(ctx, priced); err != nil {
		if reserved != nil {
			if relErr := s.Usage.ReleaseUse(ctx, *reserved, priced.Customer.ID, priced.Customer.Email); relErr != nil {
				log.Error().Err(relErr).Int64("discount_id", reserved.ID).Msg("release coupon use failed")
			}
			s.Metrics.ObserveCouponReservation("released")
		}
		return nil, err
	}

	log.Info().
		Int64("total_price", priced.Totals.TotalPrice.Amount).
		Str("currency", priced.Currency).
		Str("reference", payment.Reference).
		Msg("order completed")
	if s.Events != nil {
		if _, err := s.Events.Emit(ctx, events.TopicOrderCompleted, priced.ID, events.CompletedPayload{
			OrderID:    priced.ID,
			Currency:   priced.Currency,
			TotalPrice: priced.Totals.TotalPrice.Amount,
			TotalPaid:  priced.Totals.TotalPaid.Amount,
			Reference:  payment.Reference,
			CouponCode: priced.CouponCode,
		}); err != nil {
			log.Warn().Err(err).Msg("emit order.completed failed")
		}
	}
	return priced, nil
}

// loseCouponRace drops the coupon, reprices and saves the cart, and returns
// the consistency error reported to the caller.
func (s *Service) loseCouponRace(ctx context.Context, priced *order.Order, coupon discount.Discount, log zerolog.Logger) error {
	code := priced.CouponCode
	without := priced.Clone()
	without.CouponCode = ""
	res, err := s.Engine.Recalculate(ctx, without)
	if err != nil {
		return err
	}
	next := res.Order
	next.AddNotice(order.Notice{
		Type:      order.NoticeCouponRaceLost,
		Attribute: "couponCode",
		Message:   fmt.Sprintf("Coupon %q is no longer available and was removed.", code),
	})
	if err := s.Store.SaveOrder(ctx, next); err != nil {
		return err
	}
	log.Warn().Int64("discount_id", coupon.ID).Str("coupon", code).Msg("coupon race lost")
	if s.Events != nil {
		if _, err := s.Events.Emit(ctx, events.TopicCouponRaceLost, next.ID, events.CouponRaceLostPayload{
			OrderID:    next.ID,
			DiscountID: coupon.ID,
			CouponCode: code,
		}); err != nil {
			log.Warn().Err(err).Msg("emit coupon.race_lost failed")
		}
	}
	return common.NewAppError(common.KindConsistency, "coupon_race_lost", code, ErrCouponRaceLost)
}

func blockingSummary(o *order.Order) string {
	var types []string
	for _, n := range o.Notices {
		if n.Type.Blocking() {
			types = append(types, string(n.Type))
		}
	}
	return strings.Join(types, ", ")
}
