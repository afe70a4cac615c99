package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

// Service owns cart mutations. Header totals are recomputed from the item rows
// inside every mutating transaction.
type Service interface {
	Get(ctx context.Context, owner Owner) (*View, error)
	AddItem(ctx context.Context, owner Owner, productID uuid.UUID, qty int) (*View, error)
	UpdateItem(ctx context.Context, owner Owner, productID uuid.UUID, qty int) (*View, error)
	RemoveItem(ctx context.Context, owner Owner, productID uuid.UUID) (*View, error)
	Merge(ctx context.Context, userID uuid.UUID, guestToken string) (*View, error)
	Clear(ctx context.Context, userID uuid.UUID) error
	Consume(ctx context.Context, userID uuid.UUID, purchased map[uuid.UUID]int) error
}

type service struct {
	repo     CartRepository
	tx       txRunner
	products productLoader
	logg     *logger.Logger
}

// NewService builds the cart service.
func NewService(repo CartRepository, tx txRunner, products productLoader, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if products == nil {
		return nil, fmt.Errorf("product loader required")
	}
	return &service{repo: repo, tx: tx, products: products, logg: logg}, nil
}

func (s *service) Get(ctx context.Context, owner Owner) (*View, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	cart, err := findByOwner(ctx, s.repo, owner)
	if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
		return emptyView(), nil
	}
	if err != nil {
		return nil, err
	}
	return newView(cart, cart.Items), nil
}

func (s *service) AddItem(ctx context.Context, owner Owner, productID uuid.UUID, qty int) (*View, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if qty <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	var view *View
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := lockOrCreate(ctx, repo, owner)
		if err != nil {
			return err
		}
		items, err := repo.ListItems(ctx, cart.ID)
		if err != nil {
			return err
		}

		if existing := findItem(items, productID); existing != nil {
			if err := repo.UpdateItemQuantity(ctx, existing.ID, existing.Quantity+qty); err != nil {
				return err
			}
		} else {
			item := &models.CartItem{
				CartID:    cart.ID,
				ProductID: product.ID,
				UnitPrice: product.Price,
				Quantity:  qty,
			}
			if err := repo.CreateItem(ctx, item); err != nil {
				return err
			}
		}

		view, err = recompute(ctx, repo, cart)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *service) UpdateItem(ctx context.Context, owner Owner, productID uuid.UUID, qty int) (*View, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if qty < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity cannot be negative")
	}
	if qty == 0 {
		return s.RemoveItem(ctx, owner, productID)
	}

	var view *View
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := lockExisting(ctx, repo, owner)
		if err != nil {
			return err
		}
		items, err := repo.ListItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		existing := findItem(items, productID)
		if existing == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "item not in cart")
		}
		if err := repo.UpdateItemQuantity(ctx, existing.ID, qty); err != nil {
			return err
		}
		view, err = recompute(ctx, repo, cart)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *service) RemoveItem(ctx context.Context, owner Owner, productID uuid.UUID) (*View, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}

	var view *View
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := lockExisting(ctx, repo, owner)
		if err != nil {
			return err
		}
		removed, err := repo.DeleteItem(ctx, cart.ID, productID)
		if err != nil {
			return err
		}
		if !removed {
			return pkgerrors.New(pkgerrors.CodeNotFound, "item not in cart")
		}
		view, err = recompute(ctx, repo, cart)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Merge folds the guest cart into the user's cart and deletes the guest cart.
// Either the whole merge commits or nothing changes.
func (s *service) Merge(ctx context.Context, userID uuid.UUID, guestToken string) (*View, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	guestOwner := GuestOwner(guestToken)
	if guestOwner.GuestToken == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "guest token required")
	}

	var (
		view   *View
		merged int
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		guest, err := lockExisting(ctx, repo, guestOwner)
		if err != nil {
			return err
		}
		guestItems, err := repo.ListItems(ctx, guest.ID)
		if err != nil {
			return err
		}

		target, err := lockOrCreate(ctx, repo, UserOwner(userID))
		if err != nil {
			return err
		}
		targetItems, err := repo.ListItems(ctx, target.ID)
		if err != nil {
			return err
		}

		for _, item := range guestItems {
			if existing := findItem(targetItems, item.ProductID); existing != nil {
				if err := repo.UpdateItemQuantity(ctx, existing.ID, existing.Quantity+item.Quantity); err != nil {
					return err
				}
				continue
			}
			line := &models.CartItem{
				CartID:    target.ID,
				ProductID: item.ProductID,
				UnitPrice: item.UnitPrice,
				Quantity:  item.Quantity,
			}
			if err := repo.CreateItem(ctx, line); err != nil {
				return err
			}
		}
		merged = len(guestItems)

		if err := repo.Delete(ctx, guest.ID); err != nil {
			return err
		}
		view, err = recompute(ctx, repo, target)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"user_id": userID.String(), "merged_lines": merged})
		s.logg.Info(logCtx, "guest cart merged")
	}
	return view, nil
}

// Clear destroys the user's cart. A missing cart is not an error.
func (s *service) Clear(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := lockExisting(ctx, repo, UserOwner(userID))
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return repo.Delete(ctx, cart.ID)
	})
}

// Consume takes purchased quantities out of the user's cart after checkout.
// Lines or quantity added since the checkout snapshot stay; the cart is
// deleted only when nothing is left.
func (s *service) Consume(ctx context.Context, userID uuid.UUID, purchased map[uuid.UUID]int) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if len(purchased) == 0 {
		return nil
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := lockExisting(ctx, repo, UserOwner(userID))
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		items, err := repo.ListItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		remaining := 0
		for _, item := range items {
			bought, ok := purchased[item.ProductID]
			switch {
			case !ok:
				remaining++
			case item.Quantity > bought:
				if err := repo.UpdateItemQuantity(ctx, item.ID, item.Quantity-bought); err != nil {
					return err
				}
				remaining++
			default:
				if _, err := repo.DeleteItem(ctx, cart.ID, item.ProductID); err != nil {
					return err
				}
			}
		}
		if remaining == 0 {
			return repo.Delete(ctx, cart.ID)
		}
		_, err = recompute(ctx, repo, cart)
		return err
	})
}

func findByOwner(ctx context.Context, repo CartRepository, owner Owner) (*models.Cart, error) {
	if owner.UserID != nil {
		return repo.FindByUser(ctx, *owner.UserID)
	}
	return repo.FindByGuestToken(ctx, owner.GuestToken)
}

func lockExisting(ctx context.Context, repo CartRepository, owner Owner) (*models.Cart, error) {
	cart, err := findByOwner(ctx, repo, owner)
	if err != nil {
		return nil, err
	}
	return repo.LockByID(ctx, cart.ID)
}

func lockOrCreate(ctx context.Context, repo CartRepository, owner Owner) (*models.Cart, error) {
	cart, err := lockExisting(ctx, repo, owner)
	if err == nil {
		return cart, nil
	}
	if !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
		return nil, err
	}

	cart = &models.Cart{UserID: owner.UserID}
	if owner.UserID == nil {
		token := owner.GuestToken
		cart.GuestToken = &token
	}
	if err := repo.Create(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

func recompute(ctx context.Context, repo CartRepository, cart *models.Cart) (*View, error) {
	items, err := repo.ListItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(items)
	if err := repo.UpdateTotals(ctx, cart.ID, summary); err != nil {
		return nil, err
	}
	cart.ItemCount = summary.ItemCount
	cart.TotalAmount = summary.TotalAmount
	cart.UpdatedAt = time.Now().UTC()
	return newView(cart, items), nil
}

func findItem(items []models.CartItem, productID uuid.UUID) *models.CartItem {
	for i := range items {
		if items[i].ProductID == productID {
			return &items[i]
		}
	}
	return nil
}
