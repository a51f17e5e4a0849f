package model

type OrderStatus string

const (
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaymentReceived OrderStatus = "payment_received"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusDisputed        OrderStatus = "disputed"
	OrderStatusRefunded        OrderStatus = "refunded"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// 人工操作允许的状态流转
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusAwaitingPayment: {OrderStatusPaymentReceived, OrderStatusCancelled},
	OrderStatusPaymentReceived: {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing:      {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:         {OrderStatusCompleted, OrderStatusDelivered, OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusDelivered:       {OrderStatusCompleted, OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusCompleted:       {OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusDisputed:        {OrderStatusRefunded, OrderStatusCompleted},
	OrderStatusRefunded:        nil,
	OrderStatusCancelled:       nil,
}

// position on the happy path; branch states have no rank
var happyPathRank = map[OrderStatus]int{
	OrderStatusAwaitingPayment: 0,
	OrderStatusPaymentReceived: 1,
	OrderStatusProcessing:      2,
	OrderStatusShipped:         3,
	OrderStatusDelivered:       4,
	OrderStatusCompleted:       4,
}

func (s OrderStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no further operator transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusRefunded || s == OrderStatusCancelled
}

// Branch reports whether the order left the happy path.
func (s OrderStatus) Branch() bool {
	return s == OrderStatusDisputed || s == OrderStatusRefunded || s == OrderStatusCancelled
}

// Finished covers both spellings of a fulfilled order.
func (s OrderStatus) Finished() bool {
	return s == OrderStatusCompleted || s == OrderStatusDelivered
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsForwardOf reports whether s is strictly further along the happy path than other.
func (s OrderStatus) IsForwardOf(other OrderStatus) bool {
	a, ok := happyPathRank[s]
	if !ok {
		return false
	}
	b, ok := happyPathRank[other]
	if !ok {
		return false
	}
	return a > b
}

// PaymentStatusFor returns the payment status implied by entering s.
func PaymentStatusFor(s OrderStatus) (PaymentStatus, bool) {
	switch s {
	case OrderStatusPaymentReceived, OrderStatusProcessing:
		return PaymentStatusConfirmed, true
	case OrderStatusRefunded:
		return PaymentStatusRefunded, true
	}
	return "", false
}

type TrackingStatus string

const (
	TrackingOrderConfirmed TrackingStatus = "order_confirmed"
	TrackingPreparing      TrackingStatus = "preparing"
	TrackingQualityCheck   TrackingStatus = "quality_check"
	TrackingDispatched     TrackingStatus = "dispatched"
	TrackingInTransit      TrackingStatus = "in_transit"
	TrackingArrivedCountry TrackingStatus = "arrived_country"
	TrackingCustoms        TrackingStatus = "customs"
	TrackingOutForDelivery TrackingStatus = "out_for_delivery"
	TrackingDelivered      TrackingStatus = "delivered"
)

var trackingLabels = map[TrackingStatus]string{
	TrackingOrderConfirmed: "Order confirmed",
	TrackingPreparing:      "Preparing your watch",
	TrackingQualityCheck:   "Quality check",
	TrackingDispatched:     "Dispatched",
	TrackingInTransit:      "In transit",
	TrackingArrivedCountry: "Arrived in destination country",
	TrackingCustoms:        "Customs clearance",
	TrackingOutForDelivery: "Out for delivery",
	TrackingDelivered:      "Delivered",
}

func (t TrackingStatus) Valid() bool {
	_, ok := trackingLabels[t]
	return ok
}

func (t TrackingStatus) Label() string {
	if l, ok := trackingLabels[t]; ok {
		return l
	}
	return string(t)
}

// ImpliedOrderStatus maps a tracking status to the order status it drives, if any.
func (t TrackingStatus) ImpliedOrderStatus() (OrderStatus, bool) {
	switch t {
	case TrackingDelivered:
		return OrderStatusCompleted, true
	case TrackingDispatched, TrackingInTransit:
		return OrderStatusShipped, true
	}
	return "", false
}
