package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/metrics"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	WithTxRetry(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

const noDataMessage = "no data to reconcile"

// Service applies payment outcomes to order hierarchies.
type Service interface {
	Pay(ctx context.Context, input PayInput) (*PayResult, error)
	HandleWebhook(ctx context.Context, input WebhookInput) (*WebhookResult, error)
	Allocations(ctx context.Context, masterPaymentID uuid.UUID) (*AllocationReport, error)
}

type service struct {
	repo    Repository
	orders  orders.Repository
	tx      txRunner
	outbox  outboxPublisher
	metrics *metrics.PaymentMetrics
	logg    *logger.Logger
}

// NewService builds the payment reconciliation service.
func NewService(
	repo Repository,
	ordersRepo orders.Repository,
	tx txRunner,
	publisher outboxPublisher,
	paymentMetrics *metrics.PaymentMetrics,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:    repo,
		orders:  ordersRepo,
		tx:      tx,
		outbox:  publisher,
		metrics: paymentMetrics,
		logg:    logg,
	}, nil
}

// Pay records a successful payment against the order and, for a master
// order, a linked payment per pending child. Everything commits together.
func (s *service) Pay(ctx context.Context, input PayInput) (*PayResult, error) {
	provider := strings.TrimSpace(input.Provider)
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if provider == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider required")
	}
	if input.Amount != nil && !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	providerPaymentID := trimmedOrNil(input.ProviderPaymentID)

	var result *PayResult
	err := s.tx.WithTxRetry(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.orders.WithTx(tx)
		repo := s.repo.WithTx(tx)

		order, err := ordersRepo.LockByID(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if input.ActorRole != enums.RoleAdmin && order.BuyerID != input.ActorID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
		}
		switch order.Status {
		case enums.OrderStatusPending:
		case enums.OrderStatusPaid:
			return pkgerrors.New(pkgerrors.CodeConflict, "order already paid")
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order cannot be paid").
				WithDetails(map[string]any{"status": order.Status})
		}

		if providerPaymentID != nil {
			_, err := repo.FindTopLevelByProviderKey(ctx, provider, *providerPaymentID)
			if err == nil {
				return pkgerrors.New(pkgerrors.CodeConflict, "provider payment id already recorded")
			}
			if !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
				return err
			}
		}

		amount := order.TotalAmount
		if input.Amount != nil {
			amount = input.Amount.Round(2)
		}
		payment := &models.Payment{
			OrderID:           order.ID,
			Provider:          provider,
			ProviderPaymentID: providerPaymentID,
			Amount:            amount,
			Status:            enums.PaymentStatusPaid,
		}
		if err := repo.Create(ctx, payment); err != nil {
			return err
		}

		var linkedIDs []uuid.UUID
		if order.IsMaster() {
			children, err := ordersRepo.LockChildren(ctx, order.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				if child.Status != enums.OrderStatusPending {
					continue
				}
				linked := &models.Payment{
					OrderID:           child.ID,
					Provider:          provider,
					ProviderPaymentID: providerPaymentID,
					Amount:            child.TotalAmount,
					Status:            enums.PaymentStatusPaid,
					LinkedPaymentID:   &payment.ID,
				}
				if err := repo.Create(ctx, linked); err != nil {
					return err
				}
				if err := ordersRepo.UpdateStatus(ctx, child.ID, enums.OrderStatusPaid); err != nil {
					return err
				}
				linkedIDs = append(linkedIDs, linked.ID)
			}
		}

		if err := ordersRepo.UpdateStatus(ctx, order.ID, enums.OrderStatusPaid); err != nil {
			return err
		}

		err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: input.ActorID, Role: string(input.ActorRole)},
			Data: outbox.OrderPaidEvent{
				OrderID:          order.ID,
				PaymentID:        payment.ID,
				Provider:         provider,
				Amount:           amount.StringFixed(2),
				LinkedPaymentIDs: linkedIDs,
			},
		})
		if err != nil {
			return db.WrapStoreError(err, "emit order paid event")
		}

		result = &PayResult{
			OrderID:          order.ID,
			OrderStatus:      enums.OrderStatusPaid,
			Amount:           amount.StringFixed(2),
			LinkedPaymentIDs: linkedIDs,
		}
		paymentID := payment.ID
		if order.IsMaster() {
			result.MasterPaymentID = &paymentID
		} else {
			result.PaymentID = &paymentID
		}
		return nil
	})
	if err != nil {
		s.metrics.IncDirect(outcomeLabel(err))
		return nil, err
	}

	s.metrics.IncDirect("paid")
	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, result.OrderID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"amount":        result.Amount,
			"linked_count":  len(result.LinkedPaymentIDs),
			"provider":      provider,
			"actor_user_id": input.ActorID.String(),
		})
		s.logg.Info(logCtx, "order paid")
	}
	return result, nil
}

// HandleWebhook applies a provider status to the payment identified by
// (provider, provider_payment_id), creating it when an order id is supplied.
// Replaying the same delivery changes nothing.
func (s *service) HandleWebhook(ctx context.Context, input WebhookInput) (*WebhookResult, error) {
	provider := strings.TrimSpace(input.Provider)
	key := strings.TrimSpace(input.ProviderPaymentID)
	// persisted as sent; only the order mapping ignores case
	status := enums.PaymentStatus(strings.TrimSpace(input.Status))
	if provider == "" || key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider and provider_payment_id required")
	}
	if status == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "status required")
	}

	var result *WebhookResult
	err := s.tx.WithTxRetry(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.orders.WithTx(tx)
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindTopLevelByProviderKey(ctx, provider, key)
		if err != nil && !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return err
		}

		var (
			order   *models.Order
			payment *models.Payment
		)
		switch {
		case existing != nil:
			order, err = ordersRepo.LockByID(ctx, existing.OrderID)
			if err != nil {
				return err
			}
			payment, err = repo.LockByID(ctx, existing.ID)
			if err != nil {
				return err
			}
		case input.OrderID != nil:
			order, err = ordersRepo.LockByID(ctx, *input.OrderID)
			if err != nil {
				return err
			}
			// A concurrent delivery may have created the row while we waited.
			payment, err = repo.FindTopLevelByProviderKey(ctx, provider, key)
			if err != nil && !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
				return err
			}
			if payment != nil && payment.OrderID != order.ID {
				return pkgerrors.New(pkgerrors.CodeConflict, "provider payment id belongs to another order")
			}
			if payment == nil {
				payment = &models.Payment{
					OrderID:           order.ID,
					Provider:          provider,
					ProviderPaymentID: &key,
					Amount:            order.TotalAmount,
					Status:            status,
				}
				if err := repo.Create(ctx, payment); err != nil {
					return err
				}
			}
		default:
			result = &WebhookResult{Reconciled: false, Message: noDataMessage}
			return nil
		}

		if payment.Status != status {
			if err := repo.UpdateStatus(ctx, payment.ID, status); err != nil {
				return err
			}
			payment.Status = status
		}

		outcome, err := s.cascade(ctx, ordersRepo, repo, order, payment)
		if err != nil {
			return err
		}

		paymentID, orderID := payment.ID, order.ID
		result = &WebhookResult{
			Reconciled:      true,
			PaymentID:       &paymentID,
			OrderID:         &orderID,
			Status:          string(status),
			OrderUpdated:    outcome.orderUpdated,
			ChildrenUpdated: outcome.childrenUpdated,
		}
		if outcome.mapped {
			orderStatus := outcome.orderStatus
			result.OrderStatus = &orderStatus
		}

		if !outcome.orderUpdated && outcome.childrenUpdated == 0 {
			return nil
		}
		err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentReconciled,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Data: outbox.PaymentReconciledEvent{
				PaymentID:         payment.ID,
				OrderID:           order.ID,
				Provider:          provider,
				ProviderPaymentID: key,
				PaymentStatus:     string(status),
				OrderStatus:       string(outcome.orderStatus),
				ChildrenUpdated:   outcome.childrenUpdated,
			},
		})
		if err != nil {
			return db.WrapStoreError(err, "emit payment reconciled event")
		}
		return nil
	})
	if err != nil {
		s.metrics.IncWebhook(outcomeLabel(err))
		return nil, err
	}

	switch {
	case !result.Reconciled:
		s.metrics.IncWebhook("no_data")
	case result.OrderStatus == nil:
		s.metrics.IncWebhook("unmapped_status")
	default:
		s.metrics.IncWebhook("reconciled")
	}
	if s.logg != nil {
		fields := map[string]any{
			"provider":            provider,
			"provider_payment_id": key,
			"status":              string(status),
			"reconciled":          result.Reconciled,
			"children_updated":    result.ChildrenUpdated,
		}
		logCtx := s.logg.WithFields(ctx, fields)
		if result.PaymentID != nil {
			logCtx = s.logg.WithPaymentID(logCtx, result.PaymentID.String())
		}
		s.logg.Info(logCtx, "payment webhook handled")
	}
	return result, nil
}

type cascadeOutcome struct {
	mapped          bool
	orderStatus     enums.OrderStatus
	orderUpdated    bool
	childrenUpdated int
}

// cascade moves the payment's order, and for a master its children and
// linked payments, to the order status the payment status maps to.
// Disallowed transitions leave the affected order untouched.
func (s *service) cascade(ctx context.Context, ordersRepo orders.Repository, repo Repository, order *models.Order, payment *models.Payment) (cascadeOutcome, error) {
	target, ok := payment.Status.OrderStatus()
	if !ok {
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"payment_id": payment.ID.String(),
				"status":     string(payment.Status),
			})
			s.logg.Warn(logCtx, "payment status does not map to an order status")
		}
		return cascadeOutcome{orderStatus: order.Status}, nil
	}

	outcome := cascadeOutcome{mapped: true, orderStatus: order.Status}
	changed, err := s.transition(ctx, ordersRepo, order, target)
	if err != nil {
		return outcome, err
	}
	if changed {
		outcome.orderUpdated = true
		outcome.orderStatus = target
	}

	if !order.IsMaster() {
		return outcome, nil
	}

	children, err := ordersRepo.LockChildren(ctx, order.ID)
	if err != nil {
		return outcome, err
	}
	linkedCount, err := repo.CountLinked(ctx, payment.ID)
	if err != nil {
		return outcome, err
	}
	if linkedCount == 0 {
		for _, child := range children {
			// a child settled on its own already carries its payment
			if child.Status != enums.OrderStatusPending {
				continue
			}
			linked := &models.Payment{
				OrderID:           child.ID,
				Provider:          payment.Provider,
				ProviderPaymentID: payment.ProviderPaymentID,
				Amount:            child.TotalAmount,
				Status:            payment.Status,
				LinkedPaymentID:   &payment.ID,
			}
			if err := repo.Create(ctx, linked); err != nil {
				return outcome, err
			}
		}
	} else if _, err := repo.UpdateLinkedStatus(ctx, payment.ID, payment.Status); err != nil {
		return outcome, err
	}

	for i := range children {
		changed, err := s.transition(ctx, ordersRepo, &children[i], target)
		if err != nil {
			return outcome, err
		}
		if changed {
			outcome.childrenUpdated++
		}
	}
	return outcome, nil
}

func (s *service) transition(ctx context.Context, ordersRepo orders.Repository, order *models.Order, target enums.OrderStatus) (bool, error) {
	if order.Status == target {
		return false, nil
	}
	if !order.Status.CanTransitionTo(target) {
		if s.logg != nil {
			logCtx := s.logg.WithOrderID(ctx, order.ID.String())
			logCtx = s.logg.WithFields(logCtx, map[string]any{
				"from": string(order.Status),
				"to":   string(target),
			})
			s.logg.Warn(logCtx, "order status transition disallowed")
		}
		return false, nil
	}
	if err := ordersRepo.UpdateStatus(ctx, order.ID, target); err != nil {
		return false, err
	}
	order.Status = target
	return true, nil
}

// Allocations audits how a master payment was split across linked payments.
// It never writes; a mismatch is only reported.
func (s *service) Allocations(ctx context.Context, masterPaymentID uuid.UUID) (*AllocationReport, error) {
	if masterPaymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	master, err := s.repo.FindByID(ctx, masterPaymentID)
	if err != nil {
		return nil, err
	}
	if master.LinkedPaymentID != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment is linked to another master payment")
	}
	linked, err := s.repo.ListLinked(ctx, master.ID)
	if err != nil {
		return nil, err
	}

	report := &AllocationReport{
		Master:      NewPaymentDTO(*master),
		Allocations: make([]PaymentDTO, 0, len(linked)),
	}
	allocated := decimal.Zero
	for _, p := range linked {
		allocated = allocated.Add(p.Amount)
		report.Allocations = append(report.Allocations, NewPaymentDTO(p))
	}
	masterAmount := master.Amount.Round(2)
	allocated = allocated.Round(2)
	report.Summary = AllocationSummary{
		ChildrenCount:   len(linked),
		MasterAmount:    masterAmount.StringFixed(2),
		AllocatedTotal:  allocated.StringFixed(2),
		AllocationMatch: masterAmount.Equal(allocated),
	}

	if !report.Summary.AllocationMatch {
		s.metrics.IncAllocationMismatch()
		if s.logg != nil {
			logCtx := s.logg.WithPaymentID(ctx, master.ID.String())
			logCtx = s.logg.WithFields(logCtx, map[string]any{
				"master_amount":   report.Summary.MasterAmount,
				"allocated_total": report.Summary.AllocatedTotal,
			})
			s.logg.Warn(logCtx, "payment allocation mismatch")
		}
	}
	return report, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func outcomeLabel(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return strings.ToLower(string(typed.Code()))
	}
	return "internal_error"
}
