package controllers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/api/middleware"
	"github.com/angelmondragon/marketplace-backend/api/responses"
	"github.com/angelmondragon/marketplace-backend/api/validators"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

type payOrderRequest struct {
	Provider          string           `json:"provider" validate:"required,max=64"`
	ProviderPaymentID *string          `json:"provider_payment_id,omitempty" validate:"omitempty,max=255"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
}

type webhookRequest struct {
	Provider          string     `json:"provider" validate:"required,max=64"`
	ProviderPaymentID string     `json:"provider_payment_id" validate:"required,max=255"`
	Status            string     `json:"status" validate:"required,max=64"`
	OrderID           *uuid.UUID `json:"order_id,omitempty"`
}

// OrderPay settles an order directly; paying a master settles its children too.
func OrderPay(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		actorID, ok := middleware.UserUUIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload payOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Pay(r.Context(), payments.PayInput{
			OrderID:           orderID,
			ActorID:           actorID,
			ActorRole:         middleware.RoleFromContext(r.Context()),
			Provider:          validators.NormalizeName(payload.Provider, 64),
			ProviderPaymentID: payload.ProviderPaymentID,
			Amount:            payload.Amount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// PaymentWebhook applies a provider status notification. A 2xx answer means
// the delivery committed or needed no write.
func PaymentWebhook(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var payload webhookRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"provider":            payload.Provider,
				"provider_payment_id": payload.ProviderPaymentID,
				"webhook_status":      payload.Status,
			})
		}

		result, err := svc.HandleWebhook(ctx, payments.WebhookInput{
			Provider:          validators.NormalizeName(payload.Provider, 64),
			ProviderPaymentID: strings.TrimSpace(payload.ProviderPaymentID),
			Status:            payload.Status,
			OrderID:           payload.OrderID,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// PaymentAllocations audits how a master payment was split across children.
func PaymentAllocations(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		report, err := svc.Allocations(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, report)
	}
}
