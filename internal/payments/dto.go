package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// PayInput settles an order directly.
type PayInput struct {
	OrderID           uuid.UUID
	ActorID           uuid.UUID
	ActorRole         enums.Role
	Provider          string
	ProviderPaymentID *string
	Amount            *decimal.Decimal
}

// PayResult reports the payment created by Pay. MasterPaymentID is set when
// the order headed a hierarchy, PaymentID otherwise.
type PayResult struct {
	MasterPaymentID  *uuid.UUID        `json:"master_payment_id,omitempty"`
	PaymentID        *uuid.UUID        `json:"payment_id,omitempty"`
	OrderID          uuid.UUID         `json:"order_id"`
	OrderStatus      enums.OrderStatus `json:"order_status"`
	Amount           string            `json:"amount"`
	LinkedPaymentIDs []uuid.UUID       `json:"linked_payment_ids,omitempty"`
}

// WebhookInput is a provider status notification.
type WebhookInput struct {
	Provider          string
	ProviderPaymentID string
	Status            string
	OrderID           *uuid.UUID
}

// WebhookResult reports what a webhook delivery reconciled.
type WebhookResult struct {
	Reconciled      bool               `json:"reconciled"`
	Message         string             `json:"message,omitempty"`
	PaymentID       *uuid.UUID         `json:"payment_id,omitempty"`
	OrderID         *uuid.UUID         `json:"order_id,omitempty"`
	Status          string             `json:"status,omitempty"`
	OrderStatus     *enums.OrderStatus `json:"order_status,omitempty"`
	OrderUpdated    bool               `json:"order_updated"`
	ChildrenUpdated int                `json:"children_updated"`
}

// PaymentDTO is the client view of a payment row.
type PaymentDTO struct {
	ID                uuid.UUID           `json:"id"`
	OrderID           uuid.UUID           `json:"order_id"`
	Provider          string              `json:"provider"`
	ProviderPaymentID *string             `json:"provider_payment_id,omitempty"`
	Amount            string              `json:"amount"`
	Status            enums.PaymentStatus `json:"status"`
	LinkedPaymentID   *uuid.UUID          `json:"linked_payment_id,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// NewPaymentDTO maps a payment model.
func NewPaymentDTO(p models.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                p.ID,
		OrderID:           p.OrderID,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		Amount:            p.Amount.StringFixed(2),
		Status:            p.Status,
		LinkedPaymentID:   p.LinkedPaymentID,
		CreatedAt:         p.CreatedAt,
	}
}

// AllocationSummary compares a master payment with its linked payments.
type AllocationSummary struct {
	ChildrenCount   int    `json:"children_count"`
	MasterAmount    string `json:"master_amount"`
	AllocatedTotal  string `json:"allocated_total"`
	AllocationMatch bool   `json:"allocation_match"`
}

// AllocationReport is the read-only audit of a master payment.
type AllocationReport struct {
	Master      PaymentDTO        `json:"master"`
	Allocations []PaymentDTO      `json:"allocations"`
	Summary     AllocationSummary `json:"summary"`
}
