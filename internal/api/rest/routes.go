package rest

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paydar-io/billing-engine/internal/api/rest/handlers"
	"github.com/paydar-io/billing-engine/internal/api/rest/middleware"
	"github.com/paydar-io/billing-engine/internal/config"
	"github.com/paydar-io/billing-engine/internal/ratelimit"
	"github.com/paydar-io/billing-engine/internal/service"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// RouterDeps зависимости маршрутизатора
type RouterDeps struct {
	Contracts     service.ContractService
	Subscriptions service.SubscriptionService
	Products      service.ProductService
	Webhooks      service.WebhookService
	Limiter       ratelimit.Limiter
	Registry      *prometheus.Registry
	Config        *config.Config
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(deps RouterDeps, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	contractHandler := handlers.NewContractHandler(deps.Contracts, log)
	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Subscriptions, log)
	productHandler := handlers.NewProductHandler(deps.Products, log)
	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks, log)

	v1 := r.Group("/api/v1")
	{
		// Дебетовые контракты
		contracts := v1.Group("/contracts")
		{
			contracts.POST("", contractHandler.InitiateContract)
			contracts.POST("/verify", contractHandler.VerifyContract)
			contracts.GET("", contractHandler.GetContracts)
			contracts.DELETE("/:id", contractHandler.CancelContract)
		}

		// Подписки
		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.POST("", subscriptionHandler.Subscribe)
			subscriptions.GET("", subscriptionHandler.GetSubscriptions)
			subscriptions.GET("/:id", subscriptionHandler.GetSubscription)
			subscriptions.DELETE("/:id", subscriptionHandler.CancelSubscription)
			subscriptions.POST("/:id/resubscribe", subscriptionHandler.Resubscribe)
			subscriptions.PUT("/:id/plan", subscriptionHandler.ChangePlan)
		}

		// Продукты
		products := v1.Group("/products")
		{
			products.GET("", productHandler.GetProducts)
			products.GET("/:id", productHandler.GetProduct)
			products.POST("", productHandler.CreateProduct)
		}

		// Необработанные уведомления для ручной сверки
		v1.GET("/webhook-events/unprocessed", webhookHandler.GetUnprocessed)
	}

	// Вебхуки на корневом уровне роутера, за барьером доверия
	guard := middleware.WebhookGuard(middleware.WebhookGuardConfig{
		AllowedUserAgents: deps.Config.Webhook.AllowedUserAgents,
		AllowedIPs:        deps.Config.Webhook.AllowedIPs,
		TimestampSkew:     time.Duration(deps.Config.Webhook.TimestampSkew) * time.Second,
		EnforceIPs:        deps.Config.IsProduction(),
		RequireTimestamp:  deps.Config.IsProduction(),
	}, deps.Limiter, log)

	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/payman", guard, webhookHandler.HandlePaymanWebhook)
	}

	return r
}
