package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/marketplace-backend/internal/cart"
	"github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	pkgAuth "github.com/angelmondragon/marketplace-backend/pkg/auth"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error { return nil }

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	counts map[string]int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, counts: map[string]int64{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key], _ = value.(string)
	return true, nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key], _ = value.(string)
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedis) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("idem:%s:%s", scope, id)
}

func (f *fakeRedis) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRedis) RateLimitKey(parts ...string) string {
	return "rl:" + strings.Join(parts, ":")
}

func (f *fakeRedis) Ping(context.Context) error { return nil }

type stubOrders struct {
	mu      sync.Mutex
	creates int
}

func (s *stubOrders) Create(_ context.Context, input orders.CreateInput) (*orders.CreateResult, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return &orders.CreateResult{MasterOrder: orders.OrderDTO{ID: uuid.New(), BuyerID: input.BuyerID, TotalAmount: "10.00"}}, nil
}

func (s *stubOrders) Checkout(ctx context.Context, input orders.CheckoutInput) (*orders.CreateResult, error) {
	return s.Create(ctx, orders.CreateInput{BuyerID: input.BuyerID})
}

func (s *stubOrders) Get(_ context.Context, input orders.GetInput) (*orders.OrderDTO, error) {
	return &orders.OrderDTO{ID: input.OrderID}, nil
}

type stubPayments struct{}

func (stubPayments) Pay(_ context.Context, input payments.PayInput) (*payments.PayResult, error) {
	id := uuid.New()
	return &payments.PayResult{PaymentID: &id, OrderID: input.OrderID, OrderStatus: enums.OrderStatusPaid, Amount: "10.00"}, nil
}

func (stubPayments) HandleWebhook(context.Context, payments.WebhookInput) (*payments.WebhookResult, error) {
	return &payments.WebhookResult{Reconciled: false, Message: "no data to reconcile"}, nil
}

func (stubPayments) Allocations(context.Context, uuid.UUID) (*payments.AllocationReport, error) {
	return &payments.AllocationReport{}, nil
}

type stubCart struct{}

func (stubCart) Get(context.Context, cart.Owner) (*cart.View, error) {
	return &cart.View{TotalAmount: "0.00", Items: []cart.ItemView{}}, nil
}

func (stubCart) AddItem(_ context.Context, _ cart.Owner, productID uuid.UUID, qty int) (*cart.View, error) {
	return &cart.View{ItemCount: qty, TotalAmount: "1.00", Items: []cart.ItemView{{ProductID: productID, Quantity: qty}}}, nil
}

func (stubCart) UpdateItem(context.Context, cart.Owner, uuid.UUID, int) (*cart.View, error) {
	return &cart.View{TotalAmount: "0.00", Items: []cart.ItemView{}}, nil
}

func (stubCart) RemoveItem(context.Context, cart.Owner, uuid.UUID) (*cart.View, error) {
	return &cart.View{TotalAmount: "0.00", Items: []cart.ItemView{}}, nil
}

func (stubCart) Merge(context.Context, uuid.UUID, string) (*cart.View, error) {
	return &cart.View{TotalAmount: "0.00", Items: []cart.ItemView{}}, nil
}

func (stubCart) Clear(context.Context, uuid.UUID) error { return nil }

func (stubCart) Consume(context.Context, uuid.UUID, map[uuid.UUID]int) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "marketplace", ExpirationMinutes: 60},
		Payments: config.PaymentsConfig{
			WebhookSecret: "hook-secret",
		},
		RateLimit: config.RateLimitConfig{Window: time.Minute, CheckoutPerWindow: 2, WebhookPerWindow: 100},
	}
}

type testRouter struct {
	handler http.Handler
	orders  *stubOrders
	redis   *fakeRedis
}

func newTestRouter(cfg *config.Config) testRouter {
	ordersSvc := &stubOrders{}
	store := newFakeRedis()
	handler := NewRouter(cfg, nil, stubPinger{}, store, prometheus.NewRegistry(), Services{
		Orders:   ordersSvc,
		Payments: stubPayments{},
		Cart:     stubCart{},
	})
	return testRouter{handler: handler, orders: ordersSvc, redis: store}
}

func buildToken(t *testing.T, cfg *config.Config, userID uuid.UUID, role enums.Role) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{UserID: userID, Role: role})
	require.NoError(t, err)
	return token
}

func do(h http.Handler, method, path, token string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestHealthRoutes(t *testing.T) {
	tr := newTestRouter(testConfig())

	assert.Equal(t, http.StatusOK, do(tr.handler, http.MethodGet, "/health/live", "", nil, nil).Code)
	ready := do(tr.handler, http.MethodGet, "/health/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.NotEmpty(t, ready.Header().Get("X-Request-Id"))
}

func TestMetricsEndpointExposesHTTPMetrics(t *testing.T) {
	tr := newTestRouter(testConfig())
	do(tr.handler, http.MethodGet, "/health/live", "", nil, nil)

	resp := do(tr.handler, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `http_requests_total{method="GET",route="/health/live",status="200"} 1`)
}

func TestOrdersRequireAuth(t *testing.T) {
	tr := newTestRouter(testConfig())

	resp := do(tr.handler, http.MethodPost, "/api/v1/orders", "", strings.NewReader(`{}`), map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = do(tr.handler, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.CheckoutPerWindow = 10
	tr := newTestRouter(cfg)
	token := buildToken(t, cfg, uuid.New(), enums.RoleBuyer)
	body := `{"items":[{"product_id":"` + uuid.NewString() + `","quantity":1}]}`

	resp := do(tr.handler, http.MethodPost, "/api/v1/orders", token, strings.NewReader(body), nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "Idempotency-Key is required")

	first := do(tr.handler, http.MethodPost, "/api/v1/orders", token, strings.NewReader(body), map[string]string{"Idempotency-Key": "order-1"})
	require.Equal(t, http.StatusCreated, first.Code)
	replay := do(tr.handler, http.MethodPost, "/api/v1/orders", token, strings.NewReader(body), map[string]string{"Idempotency-Key": "order-1"})
	require.Equal(t, http.StatusCreated, replay.Code)

	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, tr.orders.creates)
}

func TestCreateOrderRateLimitedPerUser(t *testing.T) {
	cfg := testConfig()
	tr := newTestRouter(cfg)
	token := buildToken(t, cfg, uuid.New(), enums.RoleBuyer)
	body := `{"items":[{"product_id":"` + uuid.NewString() + `","quantity":1}]}`

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := do(tr.handler, http.MethodPost, "/api/v1/orders", token, strings.NewReader(body), map[string]string{"Idempotency-Key": fmt.Sprintf("k-%d", i)})
		codes = append(codes, resp.Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func TestPayRouteRequiresIdempotencyKey(t *testing.T) {
	cfg := testConfig()
	tr := newTestRouter(cfg)
	token := buildToken(t, cfg, uuid.New(), enums.RoleBuyer)
	path := "/api/v1/orders/" + uuid.NewString() + "/pay"

	resp := do(tr.handler, http.MethodPost, path, token, strings.NewReader(`{"provider":"manual"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(tr.handler, http.MethodPost, path, token, strings.NewReader(`{"provider":"manual"}`), map[string]string{"Idempotency-Key": "pay-1"})
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestWebhookRequiresSecret(t *testing.T) {
	tr := newTestRouter(testConfig())
	body := `{"provider":"stripe","provider_payment_id":"pi_1","status":"paid"}`

	resp := do(tr.handler, http.MethodPost, "/api/v1/payments/webhook", "", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(tr.handler, http.MethodPost, "/api/v1/payments/webhook", "", strings.NewReader(body), map[string]string{"X-Webhook-Secret": "hook-secret"})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "no data to reconcile")
}

func TestAllocationsRequireAdmin(t *testing.T) {
	cfg := testConfig()
	tr := newTestRouter(cfg)
	path := "/api/v1/payments/master/" + uuid.NewString() + "/allocations"

	resp := do(tr.handler, http.MethodGet, path, buildToken(t, cfg, uuid.New(), enums.RoleBuyer), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = do(tr.handler, http.MethodGet, path, buildToken(t, cfg, uuid.New(), enums.RoleAdmin), nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestGuestCartFlow(t *testing.T) {
	tr := newTestRouter(testConfig())

	resp := do(tr.handler, http.MethodGet, "/api/v1/cart", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	body := `{"product_id":"` + uuid.NewString() + `","quantity":2}`
	resp = do(tr.handler, http.MethodPost, "/api/v1/cart/items", "", strings.NewReader(body), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("X-Cart-Token"))

	resp = do(tr.handler, http.MethodPost, "/api/v1/cart/merge", "", strings.NewReader(`{"guest_token":"x"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCORSPreflight(t *testing.T) {
	tr := newTestRouter(testConfig())

	resp := do(tr.handler, http.MethodOptions, "/api/v1/cart", "", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "http://localhost:3000", resp.Header().Get("Access-Control-Allow-Origin"))
}
