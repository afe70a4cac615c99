package payments

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/metrics"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
)

type testEnv struct {
	db       *gorm.DB
	svc      Service
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Order{}, &models.OrderItem{}, &models.Payment{}, &models.OutboxEvent{}))

	registry := prometheus.NewRegistry()
	svc, err := NewService(
		NewRepository(conn),
		orders.NewRepository(conn),
		db.FromConn(conn),
		outbox.NewService(outbox.NewRepository(conn), nil),
		metrics.NewPaymentMetrics(registry),
		nil,
	)
	require.NoError(t, err)
	return testEnv{db: conn, svc: svc, registry: registry}
}

type hierarchy struct {
	buyer    uuid.UUID
	master   models.Order
	children []models.Order
}

// seedHierarchy writes a pending master with one child per amount.
func (e testEnv) seedHierarchy(t *testing.T, amounts ...string) hierarchy {
	t.Helper()
	h := hierarchy{buyer: uuid.New()}
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.RequireFromString(a))
	}
	h.master = models.Order{BuyerID: h.buyer, TotalAmount: total, Status: enums.OrderStatusPending}
	require.NoError(t, e.db.Omit("Items", "Children").Create(&h.master).Error)
	for _, a := range amounts {
		vendor := uuid.New()
		child := models.Order{
			BuyerID:       h.buyer,
			ParentOrderID: &h.master.ID,
			VendorID:      &vendor,
			TotalAmount:   decimal.RequireFromString(a),
			Status:        enums.OrderStatusPending,
		}
		require.NoError(t, e.db.Omit("Items", "Children").Create(&child).Error)
		h.children = append(h.children, child)
	}
	return h
}

func (e testEnv) orderStatus(t *testing.T, id uuid.UUID) enums.OrderStatus {
	t.Helper()
	var order models.Order
	require.NoError(t, e.db.Where("id = ?", id).Take(&order).Error)
	return order.Status
}

func (e testEnv) paymentCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.Payment{}).Count(&n).Error)
	return n
}

func strPtr(v string) *string { return &v }

func TestPayMasterFansOutToChildren(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "10.00", "10.00")

	result, err := env.svc.Pay(ctx, PayInput{
		OrderID:           h.master.ID,
		ActorID:           h.buyer,
		ActorRole:         enums.RoleBuyer,
		Provider:          "stripe",
		ProviderPaymentID: strPtr("pi_123"),
	})
	require.NoError(t, err)
	require.NotNil(t, result.MasterPaymentID)
	assert.Nil(t, result.PaymentID)
	assert.Equal(t, "20.00", result.Amount)
	assert.Len(t, result.LinkedPaymentIDs, 2)

	assert.Equal(t, enums.OrderStatusPaid, env.orderStatus(t, h.master.ID))
	for _, child := range h.children {
		assert.Equal(t, enums.OrderStatusPaid, env.orderStatus(t, child.ID))
	}

	report, err := env.svc.Allocations(ctx, *result.MasterPaymentID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.ChildrenCount)
	assert.Equal(t, "20.00", report.Summary.MasterAmount)
	assert.Equal(t, "20.00", report.Summary.AllocatedTotal)
	assert.True(t, report.Summary.AllocationMatch)
	for _, alloc := range report.Allocations {
		require.NotNil(t, alloc.LinkedPaymentID)
		assert.Equal(t, *result.MasterPaymentID, *alloc.LinkedPaymentID)
		assert.Equal(t, enums.PaymentStatusPaid, alloc.Status)
	}

	var events int64
	require.NoError(t, env.db.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventOrderPaid).Count(&events).Error)
	assert.EqualValues(t, 1, events)
}

func TestPayChildOrderDirectly(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHierarchy(t, "7.50")

	result, err := env.svc.Pay(context.Background(), PayInput{
		OrderID:   h.children[0].ID,
		ActorID:   h.buyer,
		ActorRole: enums.RoleBuyer,
		Provider:  "manual",
	})
	require.NoError(t, err)
	require.NotNil(t, result.PaymentID)
	assert.Nil(t, result.MasterPaymentID)
	assert.Equal(t, "7.50", result.Amount)
	assert.Equal(t, enums.OrderStatusPending, env.orderStatus(t, h.master.ID))
	assert.Equal(t, enums.OrderStatusPaid, env.orderStatus(t, h.children[0].ID))
}

func TestPayRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "5.00")

	_, err := env.svc.Pay(ctx, PayInput{OrderID: h.master.ID, ActorID: uuid.New(), ActorRole: enums.RoleBuyer, Provider: "stripe"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))

	negative := decimal.NewFromInt(-1)
	_, err = env.svc.Pay(ctx, PayInput{OrderID: h.master.ID, ActorID: h.buyer, Provider: "stripe", Amount: &negative})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = env.svc.Pay(ctx, PayInput{OrderID: h.master.ID, ActorID: h.buyer, Provider: " "})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = env.svc.Pay(ctx, PayInput{OrderID: uuid.New(), ActorID: h.buyer, Provider: "stripe"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

	_, err = env.svc.Pay(ctx, PayInput{OrderID: h.master.ID, ActorID: uuid.New(), ActorRole: enums.RoleAdmin, Provider: "stripe"})
	require.NoError(t, err)

	_, err = env.svc.Pay(ctx, PayInput{OrderID: h.master.ID, ActorID: h.buyer, Provider: "stripe"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	assert.EqualValues(t, 2, env.paymentCount(t))
}

func TestPayFailedOrderIsStateConflict(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHierarchy(t, "5.00")
	require.NoError(t, env.db.Model(&models.Order{}).Where("id = ?", h.master.ID).Update("status", enums.OrderStatusPaymentFailed).Error)

	_, err := env.svc.Pay(context.Background(), PayInput{OrderID: h.master.ID, ActorID: h.buyer, Provider: "stripe"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	assert.Zero(t, env.paymentCount(t))
}

func TestWebhookWithoutDataWritesNothing(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.svc.HandleWebhook(context.Background(), WebhookInput{
		Provider:          "stripe",
		ProviderPaymentID: "pi_unknown",
		Status:            "paid",
	})
	require.NoError(t, err)
	assert.False(t, result.Reconciled)
	assert.Equal(t, "no data to reconcile", result.Message)
	assert.Zero(t, env.paymentCount(t))
}

func TestWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "12.00", "8.00")
	input := WebhookInput{Provider: "stripe", ProviderPaymentID: "pi_dup", Status: "paid", OrderID: &h.master.ID}

	first, err := env.svc.HandleWebhook(ctx, input)
	require.NoError(t, err)
	assert.True(t, first.Reconciled)
	assert.True(t, first.OrderUpdated)
	assert.Equal(t, 2, first.ChildrenUpdated)
	require.NotNil(t, first.PaymentID)

	before, err := env.svc.Allocations(ctx, *first.PaymentID)
	require.NoError(t, err)
	rowsBefore := env.paymentCount(t)

	second, err := env.svc.HandleWebhook(ctx, input)
	require.NoError(t, err)
	assert.True(t, second.Reconciled)
	assert.False(t, second.OrderUpdated)
	assert.Zero(t, second.ChildrenUpdated)
	assert.Equal(t, *first.PaymentID, *second.PaymentID)

	after, err := env.svc.Allocations(ctx, *first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, before.Summary.AllocatedTotal, after.Summary.AllocatedTotal)
	assert.Equal(t, "20.00", after.Summary.AllocatedTotal)
	assert.Equal(t, rowsBefore, env.paymentCount(t))

	var events int64
	require.NoError(t, env.db.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventPaymentReconciled).Count(&events).Error)
	assert.EqualValues(t, 1, events)
}

func TestWebhookUpdatesExistingPaymentAndLinkedRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "3.00", "4.00")

	paid, err := env.svc.Pay(ctx, PayInput{
		OrderID:           h.master.ID,
		ActorID:           h.buyer,
		Provider:          "stripe",
		ProviderPaymentID: strPtr("pi_refund"),
	})
	require.NoError(t, err)

	result, err := env.svc.HandleWebhook(ctx, WebhookInput{Provider: "stripe", ProviderPaymentID: "pi_refund", Status: "REFUNDED"})
	require.NoError(t, err)
	assert.True(t, result.OrderUpdated)
	assert.Equal(t, 2, result.ChildrenUpdated)
	require.NotNil(t, result.OrderStatus)
	assert.Equal(t, enums.OrderStatusRefunded, *result.OrderStatus)

	assert.Equal(t, enums.OrderStatusRefunded, env.orderStatus(t, h.master.ID))
	for _, child := range h.children {
		assert.Equal(t, enums.OrderStatusRefunded, env.orderStatus(t, child.ID))
	}

	// provider casing is kept on the rows
	assert.Equal(t, "REFUNDED", result.Status)
	report, err := env.svc.Allocations(ctx, *paid.MasterPaymentID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatus("REFUNDED"), report.Master.Status)
	require.Len(t, report.Allocations, 2)
	for _, alloc := range report.Allocations {
		assert.Equal(t, enums.PaymentStatus("REFUNDED"), alloc.Status)
	}
	assert.EqualValues(t, 3, env.paymentCount(t))
}

func TestWebhookStoresStatusAsSent(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHierarchy(t, "5.00")

	result, err := env.svc.HandleWebhook(context.Background(), WebhookInput{
		Provider:          "stripe",
		ProviderPaymentID: "pi_case",
		Status:            "  Chargeback_Pending ",
		OrderID:           &h.master.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "Chargeback_Pending", result.Status)
	assert.Nil(t, result.OrderStatus)

	var payment models.Payment
	require.NoError(t, env.db.Where("provider_payment_id = ?", "pi_case").Take(&payment).Error)
	assert.Equal(t, enums.PaymentStatus("Chargeback_Pending"), payment.Status)
	assert.Equal(t, enums.OrderStatusPending, env.orderStatus(t, h.master.ID))

	result, err = env.svc.HandleWebhook(context.Background(), WebhookInput{
		Provider:          "stripe",
		ProviderPaymentID: "pi_case",
		Status:            "PAID",
	})
	require.NoError(t, err)
	require.NotNil(t, result.OrderStatus)
	assert.Equal(t, enums.OrderStatusPaid, *result.OrderStatus)
	require.NoError(t, env.db.Where("provider_payment_id = ?", "pi_case").Take(&payment).Error)
	assert.Equal(t, enums.PaymentStatus("PAID"), payment.Status)
	assert.Equal(t, enums.OrderStatusPaid, env.orderStatus(t, h.children[0].ID))
}

func TestWebhookFanOutSkipsSettledChildren(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "6.00", "4.00")

	_, err := env.svc.Pay(ctx, PayInput{OrderID: h.children[0].ID, ActorID: h.buyer, Provider: "stripe"})
	require.NoError(t, err)
	require.EqualValues(t, 1, env.paymentCount(t))

	result, err := env.svc.HandleWebhook(ctx, WebhookInput{
		Provider:          "stripe",
		ProviderPaymentID: "pi_master",
		Status:            "paid",
		OrderID:           &h.master.ID,
	})
	require.NoError(t, err)
	assert.True(t, result.OrderUpdated)
	assert.Equal(t, 1, result.ChildrenUpdated)

	var settled int64
	require.NoError(t, env.db.Model(&models.Payment{}).Where("order_id = ?", h.children[0].ID).Count(&settled).Error)
	assert.EqualValues(t, 1, settled)

	report, err := env.svc.Allocations(ctx, *result.PaymentID)
	require.NoError(t, err)
	require.Len(t, report.Allocations, 1)
	assert.Equal(t, h.children[1].ID, report.Allocations[0].OrderID)
	assert.EqualValues(t, 3, env.paymentCount(t))
	assert.Equal(t, enums.OrderStatusPaid, env.orderStatus(t, h.children[1].ID))
}

func TestWebhookDisallowedTransitionLeavesOrdersUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "2.00")

	_, err := env.svc.HandleWebhook(ctx, WebhookInput{Provider: "stripe", ProviderPaymentID: "pi_fail", Status: "failed", OrderID: &h.master.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentFailed, env.orderStatus(t, h.master.ID))
	assert.Equal(t, enums.OrderStatusPaymentFailed, env.orderStatus(t, h.children[0].ID))

	result, err := env.svc.HandleWebhook(ctx, WebhookInput{Provider: "stripe", ProviderPaymentID: "pi_fail", Status: "paid"})
	require.NoError(t, err)
	assert.False(t, result.OrderUpdated)
	assert.Zero(t, result.ChildrenUpdated)
	assert.Equal(t, enums.OrderStatusPaymentFailed, env.orderStatus(t, h.master.ID))
	assert.Equal(t, enums.OrderStatusPaymentFailed, env.orderStatus(t, h.children[0].ID))
}

func TestWebhookUnknownStatusPersistsPaymentOnly(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHierarchy(t, "9.00")

	result, err := env.svc.HandleWebhook(context.Background(), WebhookInput{
		Provider:          "stripe",
		ProviderPaymentID: "pi_odd",
		Status:            "requires_action",
		OrderID:           &h.master.ID,
	})
	require.NoError(t, err)
	assert.True(t, result.Reconciled)
	assert.Nil(t, result.OrderStatus)
	assert.Equal(t, "requires_action", result.Status)

	var payment models.Payment
	require.NoError(t, env.db.Where("provider_payment_id = ?", "pi_odd").Take(&payment).Error)
	assert.Equal(t, enums.PaymentStatus("requires_action"), payment.Status)
	assert.EqualValues(t, 1, env.paymentCount(t))
	assert.Equal(t, enums.OrderStatusPending, env.orderStatus(t, h.master.ID))
}

func TestWebhookValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.HandleWebhook(context.Background(), WebhookInput{Provider: "stripe", Status: "paid"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = env.svc.HandleWebhook(context.Background(), WebhookInput{Provider: "stripe", ProviderPaymentID: "x"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestAllocationsReportsMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHierarchy(t, "10.00", "10.00")

	paid, err := env.svc.Pay(ctx, PayInput{OrderID: h.master.ID, ActorID: h.buyer, Provider: "stripe"})
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.Payment{}).
		Where("id = ?", paid.LinkedPaymentIDs[0]).
		Update("amount", decimal.RequireFromString("9.99")).Error)

	report, err := env.svc.Allocations(ctx, *paid.MasterPaymentID)
	require.NoError(t, err)
	assert.False(t, report.Summary.AllocationMatch)
	assert.Equal(t, "19.99", report.Summary.AllocatedTotal)

	families, err := env.registry.Gather()
	require.NoError(t, err)
	var mismatches float64
	for _, family := range families {
		if family.GetName() == "payments_allocation_mismatch_total" {
			mismatches = family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), mismatches)

	_, err = env.svc.Allocations(ctx, paid.LinkedPaymentIDs[1])
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = env.svc.Allocations(ctx, uuid.New())
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}
