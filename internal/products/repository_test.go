package products

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := "file:products_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Product{}))
	return NewRepository(db)
}

func TestCreateAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	vendor := uuid.New()

	p := &models.Product{VendorID: &vendor, Name: "lamp", Price: decimal.RequireFromString("12.50"), Quantity: 4}
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.ID)

	got, err := repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "lamp", got.Name)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("12.50")))
	require.NotNil(t, got.VendorID)
	assert.Equal(t, vendor, *got.VendorID)

	byID, err := repo.FindByIDs(ctx, []uuid.UUID{p.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, byID, 1)
}

func TestFindByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestCreateRejectsNegativeValues(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.Create(ctx, &models.Product{Name: "x", Price: decimal.NewFromInt(1), Quantity: -1})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	err = repo.Create(ctx, &models.Product{Name: "x", Price: decimal.NewFromInt(-1)})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}
