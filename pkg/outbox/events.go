package outbox

import "github.com/google/uuid"

// OrderCreatedEvent is emitted when checkout commits a master order.
type OrderCreatedEvent struct {
	MasterOrderID uuid.UUID         `json:"master_order_id"`
	BuyerID       uuid.UUID         `json:"buyer_id"`
	TotalAmount   string            `json:"total_amount"`
	Children      []ChildOrderEntry `json:"children"`
}

// ChildOrderEntry describes one vendor split of a master order.
type ChildOrderEntry struct {
	OrderID  uuid.UUID `json:"order_id"`
	VendorID uuid.UUID `json:"vendor_id"`
	Total    string    `json:"total"`
}

// OrderPaidEvent is emitted after a direct pay settles an order.
type OrderPaidEvent struct {
	OrderID          uuid.UUID   `json:"order_id"`
	PaymentID        uuid.UUID   `json:"payment_id"`
	Provider         string      `json:"provider"`
	Amount           string      `json:"amount"`
	LinkedPaymentIDs []uuid.UUID `json:"linked_payment_ids,omitempty"`
}

// PaymentReconciledEvent is emitted when a webhook moved order state.
type PaymentReconciledEvent struct {
	PaymentID         uuid.UUID `json:"payment_id"`
	OrderID           uuid.UUID `json:"order_id"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	PaymentStatus     string    `json:"payment_status"`
	OrderStatus       string    `json:"order_status"`
	ChildrenUpdated   int       `json:"children_updated"`
}
