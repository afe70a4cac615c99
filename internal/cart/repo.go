package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Repository exposes persistence operations for carts and their items.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) CartRepository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByUser loads the user's cart with its items.
func (r *Repository) FindByUser(ctx context.Context, userID uuid.UUID) (*models.Cart, error) {
	return r.findOne(ctx, "user_id = ?", userID)
}

// FindByGuestToken loads a guest cart with its items.
func (r *Repository) FindByGuestToken(ctx context.Context, token string) (*models.Cart, error) {
	return r.findOne(ctx, "guest_token = ?", token)
}

func (r *Repository) findOne(ctx context.Context, query string, arg any) (*models.Cart, error) {
	var cart models.Cart
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Where(query, arg).
		Take(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "cart not found")
	}
	if err != nil {
		return nil, db.WrapStoreError(err, "load cart")
	}
	return &cart, nil
}

// LockByID row-locks the cart header so concurrent mutations serialize.
func (r *Repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	var cart models.Cart
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "cart not found")
	}
	if err != nil {
		return nil, db.WrapStoreError(err, "lock cart")
	}
	return &cart, nil
}

// Create inserts an empty cart header.
func (r *Repository) Create(ctx context.Context, cart *models.Cart) error {
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(cart).Error
	if db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "cart was created concurrently")
	}
	if err != nil {
		return db.WrapStoreError(err, "create cart")
	}
	return nil
}

// ListItems returns the current item rows of the cart.
func (r *Repository) ListItems(ctx context.Context, cartID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.db.WithContext(ctx).
		Where("cart_id = ?", cartID).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, db.WrapStoreError(err, "list cart items")
	}
	return items, nil
}

// CreateItem inserts a line.
func (r *Repository) CreateItem(ctx context.Context, item *models.CartItem) error {
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return db.WrapStoreError(err, "create cart item")
	}
	return nil
}

// UpdateItemQuantity overwrites the quantity of a line.
func (r *Repository) UpdateItemQuantity(ctx context.Context, itemID uuid.UUID, qty int) error {
	err := r.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Where("id = ?", itemID).
		Update("quantity", qty).Error
	if err != nil {
		return db.WrapStoreError(err, "update cart item")
	}
	return nil
}

// DeleteItem removes the line for productID and reports whether one existed.
func (r *Repository) DeleteItem(ctx context.Context, cartID, productID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("cart_id = ? AND product_id = ?", cartID, productID).
		Delete(&models.CartItem{})
	if res.Error != nil {
		return false, db.WrapStoreError(res.Error, "delete cart item")
	}
	return res.RowsAffected > 0, nil
}

// UpdateTotals persists the derived header fields.
func (r *Repository) UpdateTotals(ctx context.Context, cartID uuid.UUID, summary Summary) error {
	err := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ?", cartID).
		Updates(map[string]any{
			"item_count":   summary.ItemCount,
			"total_amount": summary.TotalAmount,
		}).Error
	if err != nil {
		return db.WrapStoreError(err, "update cart totals")
	}
	return nil
}

// Delete removes the cart and its items.
func (r *Repository) Delete(ctx context.Context, cartID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("cart_id = ?", cartID).Delete(&models.CartItem{}).Error; err != nil {
		return db.WrapStoreError(err, "delete cart items")
	}
	if err := r.db.WithContext(ctx).Where("id = ?", cartID).Delete(&models.Cart{}).Error; err != nil {
		return db.WrapStoreError(err, "delete cart")
	}
	return nil
}
