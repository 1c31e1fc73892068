package order

// NoticeType categorizes an order-level notice.
type NoticeType string

const (
	NoticeNoShippingMethod      NoticeType = "no_shipping_method"
	NoticeShippingMethodChanged NoticeType = "shipping_method_changed"
	NoticeCouponInvalid         NoticeType = "coupon_invalid"
	NoticeCouponNotEligible     NoticeType = "coupon_not_eligible"
	NoticeCouponRaceLost        NoticeType = "coupon_race_lost"
	NoticeQtyClamped            NoticeType = "qty_clamped"
	NoticeItemUnavailable       NoticeType = "item_unavailable"
)

// Notice is a human-readable consistency problem attached to the order.
type Notice struct {
	Type      NoticeType `json:"type"`
	Attribute string     `json:"attribute,omitempty"`
	Message   string     `json:"message"`
}

// pipelineNotices are regenerated by every recalculation.
var pipelineNotices = map[NoticeType]bool{
	NoticeNoShippingMethod:      true,
	NoticeShippingMethodChanged: true,
	NoticeCouponInvalid:         true,
	NoticeCouponNotEligible:     true,
}

// IsPipelineNotice reports whether recalculation owns the notice type.
func IsPipelineNotice(t NoticeType) bool {
	return pipelineNotices[t]
}

// blockingNotices leave the order unable to complete until resolved.
var blockingNotices = map[NoticeType]bool{
	NoticeNoShippingMethod: true,
	NoticeItemUnavailable:  true,
}

// Blocking reports whether the notice type prevents checkout.
func (t NoticeType) Blocking() bool {
	return blockingNotices[t]
}

// AddNotice attaches a notice unless an identical one is present.
func (o *Order) AddNotice(n Notice) {
	for _, existing := range o.Notices {
		if existing == n {
			return
		}
	}
	o.Notices = append(o.Notices, n)
}

// HasNotice reports whether a notice of the given type is attached.
func (o *Order) HasNotice(t NoticeType) bool {
	for _, n := range o.Notices {
		if n.Type == t {
			return true
		}
	}
	return false
}

// ClearNotices removes every notice whose type satisfies drop.
func (o *Order) ClearNotices(drop func(NoticeType) bool) {
	if len(o.Notices) == 0 {
		return
	}
	kept := o.Notices[:0]
	for _, n := range o.Notices {
		if !drop(n.Type) {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		o.Notices = nil
		return
	}
	o.Notices = kept
}
