package orders

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/cart"
	"github.com/angelmondragon/marketplace-backend/internal/inventory"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/metrics"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
	"github.com/angelmondragon/marketplace-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	WithTxRetry(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type cartSource interface {
	Get(ctx context.Context, owner cart.Owner) (*cart.View, error)
	Consume(ctx context.Context, userID uuid.UUID, purchased map[uuid.UUID]int) error
}

const (
	sourceItems = "items"
	sourceCart  = "cart"
)

// Service builds and reads order hierarchies.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*CreateResult, error)
	Checkout(ctx context.Context, input CheckoutInput) (*CreateResult, error)
	Get(ctx context.Context, input GetInput) (*OrderDTO, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	ledger  inventory.Ledger
	outbox  outboxPublisher
	carts   cartSource
	metrics *metrics.CheckoutMetrics
	logg    *logger.Logger
}

// NewService builds the order hierarchy service. carts may be nil, in which
// case Checkout is unavailable.
func NewService(
	repo Repository,
	tx txRunner,
	ledger inventory.Ledger,
	publisher outboxPublisher,
	carts cartSource,
	checkoutMetrics *metrics.CheckoutMetrics,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:    repo,
		tx:      tx,
		ledger:  ledger,
		outbox:  publisher,
		carts:   carts,
		metrics: checkoutMetrics,
		logg:    logg,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	return s.create(ctx, input, sourceItems)
}

// Checkout creates the hierarchy from the buyer's cart and, once the order has
// committed, removes the purchased quantities from the cart.
func (s *service) Checkout(ctx context.Context, input CheckoutInput) (*CreateResult, error) {
	if s.carts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart checkout unavailable")
	}
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer id required")
	}

	view, err := s.carts.Get(ctx, cart.UserOwner(input.BuyerID))
	if err != nil {
		return nil, err
	}
	if len(view.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}

	lines := make([]LineInput, 0, len(view.Items))
	purchased := make(map[uuid.UUID]int, len(view.Items))
	for _, item := range view.Items {
		lines = append(lines, LineInput{ProductID: item.ProductID, Quantity: item.Quantity})
		purchased[item.ProductID] += item.Quantity
	}

	result, err := s.create(ctx, CreateInput{
		BuyerID:         input.BuyerID,
		Items:           lines,
		ShippingAddress: input.ShippingAddress,
	}, sourceCart)
	if err != nil {
		return nil, err
	}

	if err := s.carts.Consume(ctx, input.BuyerID, purchased); err != nil && s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, result.MasterOrder.ID.String())
		s.logg.Error(logCtx, "failed to clear cart after checkout", err)
	}
	return result, nil
}

func (s *service) create(ctx context.Context, input CreateInput, source string) (*CreateResult, error) {
	started := time.Now()

	lines, err := normalizeLines(input)
	if err != nil {
		s.metrics.ObserveFailure(failureReason(err), time.Since(started))
		return nil, err
	}

	var address *types.Address
	if input.ShippingAddress != nil {
		normalized := input.ShippingAddress.Normalized()
		address = &normalized
	}

	var result *CreateResult
	err = s.tx.WithTxRetry(ctx, func(tx *gorm.DB) error {
		res, err := s.buildHierarchy(ctx, tx, input.BuyerID, lines, address)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		s.metrics.ObserveFailure(failureReason(err), time.Since(started))
		return nil, err
	}

	s.metrics.ObserveCreated(source, time.Since(started))
	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, result.MasterOrder.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"children": len(result.ChildOrders),
			"total":    result.MasterOrder.TotalAmount,
			"source":   source,
		})
		s.logg.Info(logCtx, "order hierarchy created")
	}
	return result, nil
}

// buildHierarchy runs inside the checkout transaction. Any error it returns
// rolls back every row it wrote, including stock reservations.
func (s *service) buildHierarchy(ctx context.Context, tx *gorm.DB, buyerID uuid.UUID, lines []LineInput, address *types.Address) (*CreateResult, error) {
	repo := s.repo.WithTx(tx)

	ids := make([]uuid.UUID, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}
	locked, err := s.ledger.LockProducts(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	products := make(map[uuid.UUID]models.Product, len(locked))
	for _, p := range locked {
		products[p.ID] = p
	}

	for _, line := range lines {
		if _, ok := products[line.ProductID]; !ok {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("product %s not found", line.ProductID))
		}
	}
	for _, line := range lines {
		product := products[line.ProductID]
		if product.Quantity < line.Quantity {
			return nil, inventory.InsufficientStock(inventory.Shortfall{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: product.Quantity,
			})
		}
	}

	groups := make(map[uuid.UUID][]LineInput)
	for _, line := range lines {
		product := products[line.ProductID]
		if product.VendorID == nil || *product.VendorID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeDataIntegrity, fmt.Sprintf("product %s has no vendor", line.ProductID))
		}
		groups[*product.VendorID] = append(groups[*product.VendorID], line)
	}
	vendors := make([]uuid.UUID, 0, len(groups))
	for vendorID := range groups {
		vendors = append(vendors, vendorID)
	}
	slices.SortFunc(vendors, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	subtotals := make(map[uuid.UUID]decimal.Decimal, len(groups))
	total := decimal.Zero
	for _, vendorID := range vendors {
		subtotal := decimal.Zero
		for _, line := range groups[vendorID] {
			subtotal = subtotal.Add(products[line.ProductID].Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		subtotal = subtotal.Round(2)
		subtotals[vendorID] = subtotal
		total = total.Add(subtotal)
	}

	master := &models.Order{
		BuyerID:         buyerID,
		TotalAmount:     total,
		Status:          enums.OrderStatusPending,
		ShippingAddress: address,
	}
	if err := repo.CreateOrder(ctx, master); err != nil {
		return nil, db.WrapStoreError(err, "create master order")
	}

	summaries := make([]ChildOrderSummary, 0, len(vendors))
	events := make([]outbox.ChildOrderEntry, 0, len(vendors))
	for _, vendorID := range vendors {
		child := models.Order{
			BuyerID:         buyerID,
			ParentOrderID:   &master.ID,
			VendorID:        &vendorID,
			TotalAmount:     subtotals[vendorID],
			Status:          enums.OrderStatusPending,
			ShippingAddress: address,
		}
		if err := repo.CreateOrder(ctx, &child); err != nil {
			return nil, db.WrapStoreError(err, "create child order")
		}

		items := make([]models.OrderItem, 0, len(groups[vendorID]))
		for _, line := range groups[vendorID] {
			items = append(items, models.OrderItem{
				OrderID:   child.ID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: products[line.ProductID].Price,
			})
		}
		if err := repo.CreateOrderItems(ctx, items); err != nil {
			return nil, db.WrapStoreError(err, "create order items")
		}
		for _, line := range groups[vendorID] {
			if err := s.ledger.Reserve(ctx, tx, line.ProductID, line.Quantity); err != nil {
				return nil, err
			}
		}

		child.Items = items
		master.Children = append(master.Children, child)
		summaries = append(summaries, ChildOrderSummary{
			OrderID:  child.ID,
			VendorID: vendorID,
			Total:    child.TotalAmount.StringFixed(2),
		})
		events = append(events, outbox.ChildOrderEntry{
			OrderID:  child.ID,
			VendorID: vendorID,
			Total:    child.TotalAmount.StringFixed(2),
		})
	}

	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   master.ID,
		Actor:         &outbox.ActorRef{UserID: buyerID, Role: string(enums.RoleBuyer)},
		Data: outbox.OrderCreatedEvent{
			MasterOrderID: master.ID,
			BuyerID:       buyerID,
			TotalAmount:   total.StringFixed(2),
			Children:      events,
		},
	})
	if err != nil {
		return nil, db.WrapStoreError(err, "emit order created event")
	}

	return &CreateResult{
		MasterOrder: NewOrderDTO(*master),
		ChildOrders: summaries,
	}, nil
}

func (s *service) Get(ctx context.Context, input GetInput) (*OrderDTO, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindDetail(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if input.ActorRole != enums.RoleAdmin && order.BuyerID != input.ActorID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
	}
	dto := NewOrderDTO(*order)
	return &dto, nil
}

// normalizeLines validates the request before any store access and merges
// repeated product ids. The result is sorted by product id.
func normalizeLines(input CreateInput) ([]LineInput, error) {
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer id required")
	}
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}

	var invalid []map[string]any
	quantities := make(map[uuid.UUID]int, len(input.Items))
	for i, item := range input.Items {
		switch {
		case item.ProductID == uuid.Nil:
			invalid = append(invalid, map[string]any{"index": i, "reason": "product_id required"})
		case item.Quantity <= 0:
			invalid = append(invalid, map[string]any{"index": i, "reason": "quantity must be positive"})
		default:
			quantities[item.ProductID] += item.Quantity
		}
	}
	if len(invalid) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid items").WithDetails(map[string]any{"items": invalid})
	}

	ids := make([]uuid.UUID, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	lines := make([]LineInput, 0, len(ids))
	for _, id := range inventory.SortIDs(ids) {
		lines = append(lines, LineInput{ProductID: id, Quantity: quantities[id]})
	}
	return lines, nil
}

func failureReason(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return strings.ToLower(string(typed.Code()))
	}
	return "internal_error"
}
