package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	err := r.db.WithContext(ctx).Create(payment).Error
	if db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "payment already recorded")
	}
	if err != nil {
		return db.WrapStoreError(err, "create payment")
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&payment).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &payment, nil
}

// FindTopLevelByProviderKey looks up the payment that owns the webhook
// idempotency key. Linked payments share the key and are excluded.
func (r *repository) FindTopLevelByProviderKey(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_payment_id = ? AND linked_payment_id IS NULL", provider, providerPaymentID).
		Order("created_at ASC").
		Take(&payment).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &payment, nil
}

func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&payment).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &payment, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.PaymentStatus) error {
	err := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return db.WrapStoreError(err, "update payment status")
	}
	return nil
}

func (r *repository) CountLinked(ctx context.Context, masterPaymentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("linked_payment_id = ?", masterPaymentID).
		Count(&count).Error
	if err != nil {
		return 0, db.WrapStoreError(err, "count linked payments")
	}
	return count, nil
}

func (r *repository) ListLinked(ctx context.Context, masterPaymentID uuid.UUID) ([]models.Payment, error) {
	var rows []models.Payment
	err := r.db.WithContext(ctx).
		Where("linked_payment_id = ?", masterPaymentID).
		Order("order_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, db.WrapStoreError(err, "list linked payments")
	}
	return rows, nil
}

func (r *repository) UpdateLinkedStatus(ctx context.Context, masterPaymentID uuid.UUID, status enums.PaymentStatus) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("linked_payment_id = ? AND status <> ?", masterPaymentID, status).
		Update("status", status)
	if res.Error != nil {
		return 0, db.WrapStoreError(res.Error, "update linked payments")
	}
	return res.RowsAffected, nil
}

func mapLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return db.WrapStoreError(err, "load payment")
}
