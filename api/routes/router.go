package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/marketplace-backend/api/controllers"
	"github.com/angelmondragon/marketplace-backend/api/middleware"
	"github.com/angelmondragon/marketplace-backend/internal/cart"
	"github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/marketplace-backend/pkg/redis"
)

// RedisStore is the slice of the redis client the HTTP layer uses.
type RedisStore interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(parts ...string) string
	Ping(context.Context) error
}

// Services groups the domain services exposed over HTTP.
type Services struct {
	Orders   orders.Service
	Payments payments.Service
	Cart     cart.Service
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisStore RedisStore,
	registry *prometheus.Registry,
	svc Services,
) http.Handler {
	r := chi.NewRouter()

	var httpMetrics *metrics.HTTPMetrics
	if registry != nil {
		httpMetrics = metrics.NewHTTPMetrics(registry)
	}

	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, httpMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	checkoutPolicy := middleware.NewRateLimitPolicy("checkout", cfg.RateLimit.Window, cfg.RateLimit.CheckoutPerWindow, middleware.ByUser)
	webhookPolicy := middleware.NewRateLimitPolicy("webhook", cfg.RateLimit.Window, cfg.RateLimit.WebhookPerWindow, middleware.ByClientIP)

	var (
		idempotencyStore pkgredis.IdempotencyStore
		limiterStore     interface {
			IncrWithTTL(context.Context, string, time.Duration) (int64, error)
			RateLimitKey(parts ...string) string
		}
	)
	deps := map[string]controllers.Pinger{"db": dbP}
	if redisStore != nil {
		idempotencyStore = redisStore
		limiterStore = redisStore
		deps["redis"] = redisStore
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.With(
				middleware.RateLimit(checkoutPolicy, limiterStore, logg),
				middleware.Idempotency(idempotencyStore, logg),
			).Post("/", controllers.OrderCreate(svc.Orders, logg))
			r.Get("/{orderId}", controllers.OrderDetail(svc.Orders, logg))
			r.With(middleware.Idempotency(idempotencyStore, logg)).
				Post("/{orderId}/pay", controllers.OrderPay(svc.Payments, logg))
		})

		r.Route("/payments", func(r chi.Router) {
			r.With(
				middleware.RateLimit(webhookPolicy, limiterStore, logg),
				middleware.WebhookSecret(cfg.Payments.WebhookSecret, logg),
			).Post("/webhook", controllers.PaymentWebhook(svc.Payments, logg))
			r.With(
				middleware.Auth(cfg.JWT, logg),
				middleware.RequireRole(logg, enums.RoleAdmin),
			).Get("/master/{paymentId}/allocations", controllers.PaymentAllocations(svc.Payments, logg))
		})

		r.Route("/cart", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.OptionalAuth(cfg.JWT, logg))
				r.Get("/", controllers.CartGet(svc.Cart, logg))
				r.Post("/items", controllers.CartAddItem(svc.Cart, logg))
				r.Patch("/items/{productId}", controllers.CartUpdateItem(svc.Cart, logg))
				r.Delete("/items/{productId}", controllers.CartRemoveItem(svc.Cart, logg))
			})
			r.With(
				middleware.Auth(cfg.JWT, logg),
				middleware.Idempotency(idempotencyStore, logg),
			).Post("/merge", controllers.CartMerge(svc.Cart, logg))
		})
	})

	return r
}
