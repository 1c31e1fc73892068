package obs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PricingMetrics groups Prometheus collectors for the pricing pipeline.
// A nil *PricingMetrics is valid and records nothing.
type PricingMetrics struct {
	Recalculations     *prometheus.CounterVec
	RecalcDuration     *prometheus.HistogramVec
	Notices            *prometheus.CounterVec
	CouponReservations *prometheus.CounterVec
	LockWait           prometheus.Histogram
}

// NewPricingMetrics registers and returns pricing collectors. Collectors that
// are already registered with reg are reused.
func NewPricingMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *PricingMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500}
	} else {
		sort.Float64s(buckets)
	}
	m := &PricingMetrics{
		Recalculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalculations_total",
			Help:      "Order recalculations by outcome.",
		}, []string{"result"}),
		RecalcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recalculation_duration_ms",
			Help:      "Order recalculation latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"result"}),
		Notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_notices_total",
			Help:      "Notices attached to orders by recalculation, by type.",
		}, []string{"type"}),
		CouponReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_reservations_total",
			Help:      "Coupon use reservations at checkout by outcome.",
		}, []string{"result"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_lock_wait_ms",
			Help:      "Time spent waiting for the order mutation lock in milliseconds.",
			Buckets:   buckets,
		}),
	}
	mustRegisterCollector(reg, m.Recalculations, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Recalculations = v
		}
	})
	mustRegisterCollector(reg, m.RecalcDuration, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.HistogramVec); ok {
			m.RecalcDuration = v
		}
	})
	mustRegisterCollector(reg, m.Notices, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Notices = v
		}
	})
	mustRegisterCollector(reg, m.CouponReservations, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.CouponReservations = v
		}
	})
	mustRegisterCollector(reg, m.LockWait, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Histogram); ok {
			m.LockWait = v
		}
	})
	return m
}

// ObserveRecalculation records one pipeline run.
func (m *PricingMetrics) ObserveRecalculation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Recalculations.WithLabelValues(result).Inc()
	m.RecalcDuration.WithLabelValues(result).Observe(DurationMillis(d))
}

// ObserveNotice counts a notice attached by recalculation.
func (m *PricingMetrics) ObserveNotice(noticeType string) {
	if m == nil {
		return
	}
	m.Notices.WithLabelValues(noticeType).Inc()
}

// ObserveCouponReservation counts a reservation attempt.
func (m *PricingMetrics) ObserveCouponReservation(result string) {
	if m == nil {
		return
	}
	m.CouponReservations.WithLabelValues(result).Inc()
}

// ObserveLockWait records how long a caller waited for an order lock.
func (m *PricingMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(DurationMillis(d))
}

// ParseBucketsCSV converts a comma-separated list of bucket boundaries (milliseconds) into floats.
func ParseBucketsCSV(csv string) []float64 {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register pricing metric: %w", err))
	}
}
