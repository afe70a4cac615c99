package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	"github.com/angelmondragon/marketplace-backend/pkg/types"
)

// LineInput is one requested (product, quantity) pair.
type LineInput struct {
	ProductID uuid.UUID
	Quantity  int
}

// CreateInput carries an explicit item list for checkout.
type CreateInput struct {
	BuyerID         uuid.UUID
	Items           []LineInput
	ShippingAddress *types.Address
}

// CheckoutInput checks out whatever is in the buyer's cart.
type CheckoutInput struct {
	BuyerID         uuid.UUID
	ShippingAddress *types.Address
}

// GetInput identifies an order read and the caller making it.
type GetInput struct {
	OrderID   uuid.UUID
	ActorID   uuid.UUID
	ActorRole enums.Role
}

// ChildOrderSummary is one vendor split in a create result.
type ChildOrderSummary struct {
	OrderID  uuid.UUID `json:"order_id"`
	VendorID uuid.UUID `json:"vendor_id"`
	Total    string    `json:"total"`
}

// CreateResult is returned by a successful checkout.
type CreateResult struct {
	MasterOrder OrderDTO            `json:"master_order"`
	ChildOrders []ChildOrderSummary `json:"child_orders"`
}

// OrderItemDTO is the client view of a receipt line.
type OrderItemDTO struct {
	ID        uuid.UUID `json:"id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
	LineTotal string    `json:"line_total"`
}

// OrderDTO is the client view of an order.
type OrderDTO struct {
	ID              uuid.UUID         `json:"id"`
	BuyerID         uuid.UUID         `json:"buyer_id"`
	ParentOrderID   *uuid.UUID        `json:"parent_order_id,omitempty"`
	VendorID        *uuid.UUID        `json:"vendor_id,omitempty"`
	TotalAmount     string            `json:"total_amount"`
	Status          enums.OrderStatus `json:"status"`
	ShippingAddress *types.Address    `json:"shipping_address,omitempty"`
	Items           []OrderItemDTO    `json:"items,omitempty"`
	Children        []OrderDTO        `json:"children,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// NewOrderDTO maps an order model, including any loaded items and children.
func NewOrderDTO(order models.Order) OrderDTO {
	dto := OrderDTO{
		ID:              order.ID,
		BuyerID:         order.BuyerID,
		ParentOrderID:   order.ParentOrderID,
		VendorID:        order.VendorID,
		TotalAmount:     order.TotalAmount.StringFixed(2),
		Status:          order.Status,
		ShippingAddress: order.ShippingAddress,
		CreatedAt:       order.CreatedAt,
	}
	for _, item := range order.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			LineTotal: item.LineTotal().StringFixed(2),
		})
	}
	for _, child := range order.Children {
		dto.Children = append(dto.Children, NewOrderDTO(child))
	}
	return dto
}
