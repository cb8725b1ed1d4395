package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paydar-io/billing-engine/internal/api/rest"
	"github.com/paydar-io/billing-engine/internal/config"
	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/events"
	"github.com/paydar-io/billing-engine/internal/integration/payman"
	"github.com/paydar-io/billing-engine/internal/metrics"
	"github.com/paydar-io/billing-engine/internal/ratelimit"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/internal/service"
	"github.com/paydar-io/billing-engine/internal/webhook"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

var log *logger.Logger

func init() {
	logLevel := logger.INFO
	if os.Getenv("DEBUG") == "true" {
		logLevel = logger.DEBUG
	}
	log = logger.New(logLevel)
}

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализация Prometheus
	promRegistry := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(promRegistry, log)
	systemMetrics := metrics.NewSystemMetrics(promRegistry, log)

	systemMetrics.StartRecording(15 * time.Second)
	defer systemMetrics.Stop()

	// Подключение к базе данных
	dbPool, err := repository.NewPostgresPool(ctx, cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("Failed to connect to database: %v", err)
	}
	defer dbPool.Close()

	subscriptionRepo := repository.NewPostgresSubscriptionRepository(dbPool, log)
	paymentRepo := repository.NewPostgresPaymentRepository(dbPool, log)
	contractRepo := repository.NewPostgresContractRepository(dbPool, log)
	productRepo := repository.NewPostgresProductRepository(dbPool, log)
	webhookEventRepo := repository.NewPostgresWebhookEventRepository(dbPool, log)

	// Подключение к Redis
	cache, err := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis: %v", err)
	}
	defer cache.Close()

	// Клиент платежного шлюза
	gateway := payman.NewClient(payman.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		MerchantID:  cfg.Gateway.MerchantID,
		CallbackURL: cfg.Gateway.CallbackURL,
		Timeout:     cfg.GatewayTimeout(),
		Sandbox:     cfg.Gateway.Sandbox,
	}, log)

	// Исходящие вебхуки
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhook.Endpoints))
	for _, e := range cfg.Webhook.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{
			Name:       e.Name,
			URL:        e.URL,
			Secret:     e.Secret,
			EventTypes: toEventTypes(e.EventTypes),
			Enabled:    e.Enabled,
		})
	}
	dispatcher := webhook.NewDispatcher(endpoints, 10*time.Second, log)

	// Шина событий: Kafka (если настроена) плюс внешние вебхуки
	sinks := []events.Publisher{dispatcher}
	if cfg.Kafka.Enabled {
		saramaProducer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatal("Failed to create Kafka producer: %v", err)
		}
		kafkaPublisher := events.NewKafkaPublisher(saramaProducer, log)
		defer kafkaPublisher.Close()
		sinks = append(sinks, kafkaPublisher)
	}
	publisher := events.NewMultiPublisher(sinks...)

	// Сервисы
	contractService := service.NewContractService(contractRepo, gateway, cache, publisher, log)
	productService := service.NewProductService(productRepo, log)
	subscriptionService := service.NewSubscriptionService(
		subscriptionRepo, paymentRepo, contractRepo, productRepo,
		gateway, publisher, billingMetrics, log)
	webhookService := service.NewWebhookService(
		webhookEventRepo, paymentRepo, subscriptionService,
		gateway, publisher, dispatcher, billingMetrics, log)

	// Планировщик списаний
	scheduler := service.NewBillingScheduler(
		subscriptionRepo, paymentRepo, contractRepo,
		subscriptionService, publisher, billingMetrics,
		service.SchedulerConfig{
			Interval:       cfg.SchedulerInterval(),
			BatchSize:      cfg.Scheduler.BatchSize,
			FailureCeiling: cfg.Scheduler.FailureCeiling,
		}, log)

	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start billing scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Ограничитель частоты для входящих вебхуков
	rateWindow := time.Duration(cfg.Webhook.RateWindowSeconds) * time.Second
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	rateLimit := cfg.Webhook.RateLimit
	if rateLimit <= 0 {
		rateLimit = 120
	}
	limiter := ratelimit.NewRedisLimiter(cache.Client(), rateLimit, rateWindow, "webhook")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := rest.SetupRouter(rest.RouterDeps{
		Contracts:     contractService,
		Subscriptions: subscriptionService,
		Products:      productService,
		Webhooks:      webhookService,
		Limiter:       limiter,
		Registry:      promRegistry,
		Config:        cfg,
	}, log)

	server := rest.NewServer(router, cfg, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownTimeout := time.Duration(cfg.App.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped gracefully")
}

func toEventTypes(names []string) []domain.BillingEventType {
	types := make([]domain.BillingEventType, 0, len(names))
	for _, n := range names {
		types = append(types, domain.BillingEventType(n))
	}
	return types
}
