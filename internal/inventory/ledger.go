package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Shortfall describes a reservation that on-hand stock cannot cover.
type Shortfall struct {
	ProductID uuid.UUID `json:"product_id"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

// InsufficientStock builds the typed error carrying the shortfall.
func InsufficientStock(s Shortfall) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, fmt.Sprintf("insufficient stock for product %s", s.ProductID)).
		WithDetails(s)
}

// Ledger is the only writer of products.quantity. Every method that mutates
// stock requires the caller's transaction.
type Ledger interface {
	LockProducts(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Product, error)
	Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	Restock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	OnHand(ctx context.Context, productID uuid.UUID) (int, error)
}

type ledger struct {
	db *gorm.DB
}

// NewLedger returns a ledger bound to the shared connection for reads.
func NewLedger(db *gorm.DB) Ledger {
	return &ledger{db: db}
}

// SortIDs returns ids de-duplicated and in ascending byte order, the order
// Postgres uses for uuid columns.
func SortIDs(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

// LockProducts loads and row-locks every product in ids in one statement,
// acquiring locks in id order. Missing ids are simply absent from the result.
func (l *ledger) LockProducts(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Product, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	sorted := SortIDs(ids)
	if len(sorted) == 0 {
		return nil, nil
	}

	var rows []models.Product
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", sorted).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, db.WrapStoreError(err, "lock products")
	}
	return rows, nil
}

// Reserve decrements on-hand stock by qty or fails without mutating anything.
func (l *ledger) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := tx.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND quantity >= ?", productID, qty).
		Update("quantity", gorm.Expr("quantity - ?", qty))
	if res.Error != nil {
		return db.WrapStoreError(res.Error, "reserve stock")
	}
	if res.RowsAffected == 1 {
		return nil
	}

	available, err := currentQuantity(ctx, tx, productID)
	if err != nil {
		return err
	}
	return InsufficientStock(Shortfall{ProductID: productID, Requested: qty, Available: available})
}

// Restock returns qty units to on-hand stock.
func (l *ledger) Restock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := tx.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		Update("quantity", gorm.Expr("quantity + ?", qty))
	if res.Error != nil {
		return db.WrapStoreError(res.Error, "restock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	return nil
}

// OnHand reads the current quantity outside any transaction.
func (l *ledger) OnHand(ctx context.Context, productID uuid.UUID) (int, error) {
	return currentQuantity(ctx, l.db, productID)
}

func currentQuantity(ctx context.Context, conn *gorm.DB, productID uuid.UUID) (int, error) {
	var product models.Product
	err := conn.WithContext(ctx).
		Select("id", "quantity").
		Where("id = ?", productID).
		Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	if err != nil {
		return 0, db.WrapStoreError(err, "read stock")
	}
	return product.Quantity, nil
}
