package enums

import (
	"fmt"
	"strings"
)

// PaymentStatus tracks the lifecycle of a payment row. Provider webhooks may
// carry values outside this set; those are persisted verbatim.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusPaid,
	PaymentStatusFailed,
	PaymentStatusRefunded,
}

var orderStatusByPaymentStatus = map[PaymentStatus]OrderStatus{
	PaymentStatusPaid:     OrderStatusPaid,
	PaymentStatusFailed:   OrderStatusPaymentFailed,
	PaymentStatusRefunded: OrderStatusRefunded,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// OrderStatus returns the order status a payment outcome drives, or false when
// the payment status does not move orders. Matching ignores case so provider
// spellings such as "PAID" still map while the row keeps the raw value.
func (p PaymentStatus) OrderStatus() (OrderStatus, bool) {
	status, ok := orderStatusByPaymentStatus[PaymentStatus(strings.ToLower(string(p)))]
	return status, ok
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}
