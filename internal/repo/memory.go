package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/tax"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

// Memory is an in-process implementation of every repository the pricing
// engine consumes. Orders are cloned on the way in and out.
type Memory struct {
	Now func() time.Time

	mu           sync.RWMutex
	purchasables map[string]catalog.Purchasable
	pricingRules map[int64]catalog.PricingRule
	discounts    map[int64]discount.Discount
	methods      map[string]shipping.Method
	rates        map[int64]tax.Rate
	zones        map[int64]zone.Zone
	orders       map[string]*order.Order
	events.MemoryStore
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		purchasables: map[string]catalog.Purchasable{},
		pricingRules: map[int64]catalog.PricingRule{},
		discounts:    map[int64]discount.Discount{},
		methods:      map[string]shipping.Method{},
		rates:        map[int64]tax.Rate{},
		zones:        map[int64]zone.Zone{},
		orders:       map[string]*order.Order{},
	}
}

// PutPurchasable stores or replaces a purchasable.
func (m *Memory) PutPurchasable(p catalog.Purchasable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchasables[p.ID] = p
}

// PutPricingRule validates and stores a catalog pricing rule.
func (m *Memory) PutPricingRule(r catalog.PricingRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricingRules[r.ID] = r
	return nil
}

// PutDiscount validates the discount and rejects codes already used by
// another enabled discount.
func (m *Memory) PutDiscount(d discount.Discount) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := []discount.Discount{d}
	for id, existing := range m.discounts {
		if id != d.ID {
			all = append(all, existing)
		}
	}
	if err := discount.ValidateCodes(all); err != nil {
		return err
	}
	m.discounts[d.ID] = d
	return nil
}

// PutShippingMethod validates every rule and stores the method.
func (m *Memory) PutShippingMethod(method shipping.Method) error {
	for i := range method.Rules {
		method.Rules[i].MethodID = method.ID
		if err := method.Rules[i].Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method.ID] = method
	return nil
}

// PutTaxRate validates and stores a tax rate.
func (m *Memory) PutTaxRate(r tax.Rate) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[r.ID] = r
	return nil
}

// PutZone stores a zone.
func (m *Memory) PutZone(z zone.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.ID] = z
}

// GetPurchasable implements catalog.Repository.
func (m *Memory) GetPurchasable(_ context.Context, id string) (catalog.Purchasable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchasables[id]
	if !ok {
		return catalog.Purchasable{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}
	return p, nil
}

// ListPricingRules implements catalog.RuleSource.
func (m *Memory) ListPricingRules(context.Context) ([]catalog.PricingRule, error) {
	m.mu.RLock()
	out := make([]catalog.PricingRule, 0, len(m.pricingRules))
	for _, r := range m.pricingRules {
		out = append(out, r)
	}
	m.mu.RUnlock()
	catalog.SortRules(out)
	return out, nil
}

// ListDiscounts implements discount.Source.
func (m *Memory) ListDiscounts(context.Context) ([]discount.Discount, error) {
	m.mu.RLock()
	out := make([]discount.Discount, 0, len(m.discounts))
	for _, d := range m.discounts {
		out = append(out, d)
	}
	m.mu.RUnlock()
	discount.Sort(out)
	return out, nil
}

// ListShippingMethods implements shipping.Source.
func (m *Memory) ListShippingMethods(context.Context) ([]shipping.Method, error) {
	m.mu.RLock()
	out := make([]shipping.Method, 0, len(m.methods))
	for _, method := range m.methods {
		method.Rules = append([]shipping.Rule(nil), method.Rules...)
		out = append(out, method)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTaxRates implements tax.Source.
func (m *Memory) ListTaxRates(context.Context) ([]tax.Rate, error) {
	m.mu.RLock()
	out := make([]tax.Rate, 0, len(m.rates))
	for _, r := range m.rates {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListZones implements zone.Source.
func (m *Memory) ListZones(context.Context) ([]zone.Zone, error) {
	m.mu.RLock()
	out := make([]zone.Zone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetOrder returns a copy of the stored order.
func (m *Memory) GetOrder(_ context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

// FindCart returns the customer's most recently updated open cart.
func (m *Memory) FindCart(_ context.Context, customerID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *order.Order
	for _, o := range m.orders {
		if o.Customer.ID != customerID || o.IsCompleted() {
			continue
		}
		if found == nil || o.UpdatedAt.After(found.UpdatedAt) {
			found = o
		}
	}
	if found == nil {
		return nil, order.ErrNotFound
	}
	return found.Clone(), nil
}

// SaveOrder stores o when its version matches the stored one and bumps the
// version on success.
func (m *Memory) SaveOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[o.ID]
	switch {
	case !ok && o.Version != 0:
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	case ok && current.Version != o.Version:
		return fmt.Errorf("%w: %s at version %d, have %d", order.ErrConflict, o.ID, current.Version, o.Version)
	case ok && current.IsCompleted():
		return fmt.Errorf("%w: %s", order.ErrCompleted, o.ID)
	}
	o.Version++
	o.UpdatedAt = m.now()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}
