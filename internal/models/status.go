package models

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusQueued, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusQueued:     {OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusFulfilled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusFulfilled},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated:  {PaymentStatusApproved, PaymentStatusCompleted, PaymentStatusVoided},
	PaymentStatusApproved: {PaymentStatusCompleted, PaymentStatusVoided},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no payment task may mutate an order in this status.
// PAID only leaves through the fulfillment and refund flows.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPending, OrderStatusQueued:
		return false
	default:
		return true
	}
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusQueued, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusFulfilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// CanAdvance reports whether a payment may move forward to next. Gateway
// status never moves backward.
func (s PaymentStatus) CanAdvance(next PaymentStatus) bool {
	for _, candidate := range paymentTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Open reports whether the gateway intent can still be captured or voided.
func (s PaymentStatus) Open() bool {
	return s == PaymentStatusCreated || s == PaymentStatusApproved
}
