package discount

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Usage is the number of times a coded discount has been reserved.
type Usage struct {
	Total    int `json:"total"`
	Customer int `json:"customer"`
	Email    int `json:"email"`
}

// Check compares the counters against the discount's limits.
func (u Usage) Check(d Discount) error {
	if d.TotalUseLimit > 0 && u.Total >= d.TotalUseLimit {
		return ErrTotalLimitReached
	}
	if d.PerUserLimit > 0 && u.Customer >= d.PerUserLimit {
		return ErrPerUserLimitReached
	}
	if d.PerEmailLimit > 0 && u.Email >= d.PerEmailLimit {
		return ErrPerEmailLimitReached
	}
	return nil
}

// UsageCounter tracks coupon uses. TryReserveUse must check every limit and
// increment every counter atomically.
type UsageCounter interface {
	Usage(ctx context.Context, d Discount, customerID, email string) (Usage, error)
	TryReserveUse(ctx context.Context, d Discount, customerID, email string) (bool, error)
	ReleaseUse(ctx context.Context, d Discount, customerID, email string) error
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryUsage is an in-process UsageCounter.
type MemoryUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryUsage returns an empty counter.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{counts: make(map[string]int)}
}

// Usage implements UsageCounter.
func (m *MemoryUsage) Usage(_ context.Context, d Discount, customerID, email string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked(d.ID, customerID, email), nil
}

// TryReserveUse implements UsageCounter.
func (m *MemoryUsage) TryReserveUse(_ context.Context, d Discount, customerID, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	if err := m.usageLocked(d.ID, customerID, email).Check(d); err != nil {
		return false, nil
	}
	for _, key := range CounterKeys(d.ID, customerID, email) {
		m.counts[key]++
	}
	return true, nil
}

// ReleaseUse implements UsageCounter.
func (m *MemoryUsage) ReleaseUse(_ context.Context, d Discount, customerID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range CounterKeys(d.ID, customerID, email) {
		if m.counts[key] > 0 {
			m.counts[key]--
		}
	}
	return nil
}

func (m *MemoryUsage) usageLocked(id int64, customerID, email string) Usage {
	keys := CounterKeys(id, customerID, email)
	u := Usage{Total: m.counts[keys[0]]}
	for _, key := range keys[1:] {
		switch {
		case strings.Contains(key, ":user:"):
			u.Customer = m.counts[key]
		case strings.Contains(key, ":email:"):
			u.Email = m.counts[key]
		}
	}
	return u
}

// CounterKeys returns the total key followed by the identity keys that apply.
func CounterKeys(id int64, customerID, email string) []string {
	base := "pricing:coupon:" + strconv.FormatInt(id, 10)
	keys := []string{base + ":total"}
	if customerID = strings.TrimSpace(customerID); customerID != "" {
		keys = append(keys, base+":user:"+customerID)
	}
	if email = NormalizeEmail(email); email != "" {
		keys = append(keys, base+":email:"+email)
	}
	return keys
}

// LimitFor returns the limit guarding one of the keys from CounterKeys.
func LimitFor(d Discount, key string) int {
	switch {
	case strings.Contains(key, ":user:"):
		return d.PerUserLimit
	case strings.Contains(key, ":email:"):
		return d.PerEmailLimit
	default:
		return d.TotalUseLimit
	}
}
