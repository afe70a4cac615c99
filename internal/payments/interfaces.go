package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// Repository defines persistence operations for payment rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindTopLevelByProviderKey(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.PaymentStatus) error
	CountLinked(ctx context.Context, masterPaymentID uuid.UUID) (int64, error)
	ListLinked(ctx context.Context, masterPaymentID uuid.UUID) ([]models.Payment, error)
	UpdateLinkedStatus(ctx context.Context, masterPaymentID uuid.UUID, status enums.PaymentStatus) (int64, error)
}
