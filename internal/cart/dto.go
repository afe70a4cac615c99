package cart

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Owner identifies a cart. Exactly one of UserID and GuestToken is set.
type Owner struct {
	UserID     *uuid.UUID
	GuestToken string
}

// UserOwner returns the owner for an authenticated user.
func UserOwner(userID uuid.UUID) Owner {
	return Owner{UserID: &userID}
}

// GuestOwner returns the owner for an anonymous cart token.
func GuestOwner(token string) Owner {
	return Owner{GuestToken: strings.TrimSpace(token)}
}

func (o Owner) validate() error {
	hasUser := o.UserID != nil && *o.UserID != uuid.Nil
	hasGuest := strings.TrimSpace(o.GuestToken) != ""
	if hasUser == hasGuest {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart owner must be a user or a guest token")
	}
	return nil
}

// Summary is the derived header state of a cart.
type Summary struct {
	ItemCount   int
	TotalAmount decimal.Decimal
}

// Summarize derives item count and total from the item rows.
func Summarize(items []models.CartItem) Summary {
	summary := Summary{TotalAmount: decimal.Zero}
	for _, item := range items {
		summary.ItemCount += item.Quantity
		summary.TotalAmount = summary.TotalAmount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	summary.TotalAmount = summary.TotalAmount.Round(2)
	return summary
}

// ItemView is the client view of a cart line.
type ItemView struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
	LineTotal string    `json:"line_total"`
}

// View is the client view of a cart.
type View struct {
	ID          *uuid.UUID `json:"id,omitempty"`
	ItemCount   int        `json:"item_count"`
	TotalAmount string     `json:"total_amount"`
	Items       []ItemView `json:"items"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func emptyView() *View {
	return &View{TotalAmount: decimal.Zero.StringFixed(2), Items: []ItemView{}}
}

func newView(cart *models.Cart, items []models.CartItem) *View {
	view := &View{
		ID:          &cart.ID,
		ItemCount:   cart.ItemCount,
		TotalAmount: cart.TotalAmount.StringFixed(2),
		Items:       make([]ItemView, 0, len(items)),
		UpdatedAt:   &cart.UpdatedAt,
	}
	for _, item := range items {
		view.Items = append(view.Items, ItemView{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			LineTotal: item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).StringFixed(2),
		})
	}
	return view
}
