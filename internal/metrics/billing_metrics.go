package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paydar-io/billing-engine/pkg/logger"
)

// BillingMetrics интерфейс для метрик биллинга
type BillingMetrics interface {
	IncChargeAttempt(kind string, outcome string)
	ObserveChargeAmount(amount int64, outcome string)
	IncSubscriptionTransition(to string)
	IncWebhookReceived(outcome string)
	IncWebhookForwarded(success bool)
	ObserveSchedulerRun(duration time.Duration, processed int, failed int)
}

type billingMetrics struct {
	log                *logger.Logger
	chargeAttempts     *prometheus.CounterVec
	chargeAmounts      *prometheus.HistogramVec
	subscriptionStatus *prometheus.CounterVec
	webhooksReceived   *prometheus.CounterVec
	webhooksForwarded  *prometheus.CounterVec
	schedulerDuration  prometheus.Histogram
	schedulerProcessed prometheus.Counter
	schedulerFailures  prometheus.Counter
}

// NewBillingMetrics создает новые метрики биллинга
func NewBillingMetrics(registry *prometheus.Registry, log *logger.Logger) BillingMetrics {
	chargeAttempts := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_charge_attempts_total",
			Help: "The total number of direct debit charge attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	chargeAmounts := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_charge_amount",
			Help:    "Charge amounts distribution",
			Buckets: prometheus.ExponentialBuckets(10000, 10, 6),
		},
		[]string{"outcome"},
	)

	subscriptionStatus := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_subscription_transitions_total",
			Help: "The total number of subscription status transitions",
		},
		[]string{"to"},
	)

	webhooksReceived := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhooks_received_total",
			Help: "The total number of inbound gateway webhooks by outcome",
		},
		[]string{"outcome"},
	)

	webhooksForwarded := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhooks_forwarded_total",
			Help: "The total number of outbound webhook deliveries",
		},
		[]string{"status"},
	)

	schedulerDuration := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_scheduler_run_seconds",
			Help:    "Duration of billing scheduler runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	schedulerProcessed := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_scheduler_processed_total",
			Help: "The total number of subscriptions processed by the scheduler",
		},
	)

	schedulerFailures := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_scheduler_failures_total",
			Help: "The total number of subscriptions the scheduler failed to process",
		},
	)

	return &billingMetrics{
		log:                log,
		chargeAttempts:     chargeAttempts,
		chargeAmounts:      chargeAmounts,
		subscriptionStatus: subscriptionStatus,
		webhooksReceived:   webhooksReceived,
		webhooksForwarded:  webhooksForwarded,
		schedulerDuration:  schedulerDuration,
		schedulerProcessed: schedulerProcessed,
		schedulerFailures:  schedulerFailures,
	}
}

// IncChargeAttempt увеличивает счетчик попыток списания
func (m *billingMetrics) IncChargeAttempt(kind string, outcome string) {
	m.chargeAttempts.WithLabelValues(kind, outcome).Inc()
}

// ObserveChargeAmount записывает сумму списания
func (m *billingMetrics) ObserveChargeAmount(amount int64, outcome string) {
	m.chargeAmounts.WithLabelValues(outcome).Observe(float64(amount))
}

// IncSubscriptionTransition увеличивает счетчик переходов статуса подписки
func (m *billingMetrics) IncSubscriptionTransition(to string) {
	m.subscriptionStatus.WithLabelValues(to).Inc()
}

// IncWebhookReceived увеличивает счетчик входящих вебхуков
func (m *billingMetrics) IncWebhookReceived(outcome string) {
	m.webhooksReceived.WithLabelValues(outcome).Inc()
}

// IncWebhookForwarded увеличивает счетчик исходящих доставок
func (m *billingMetrics) IncWebhookForwarded(success bool) {
	status := "delivered"
	if !success {
		status = "failed"
	}
	m.webhooksForwarded.WithLabelValues(status).Inc()
}

// ObserveSchedulerRun записывает итоги прогона планировщика
func (m *billingMetrics) ObserveSchedulerRun(duration time.Duration, processed int, failed int) {
	m.schedulerDuration.Observe(duration.Seconds())
	m.schedulerProcessed.Add(float64(processed))
	m.schedulerFailures.Add(float64(failed))
}

// NoopBillingMetrics метрики-заглушка для тестов
type NoopBillingMetrics struct{}

func (NoopBillingMetrics) IncChargeAttempt(kind string, outcome string)                      {}
func (NoopBillingMetrics) ObserveChargeAmount(amount int64, outcome string)                  {}
func (NoopBillingMetrics) IncSubscriptionTransition(to string)                               {}
func (NoopBillingMetrics) IncWebhookReceived(outcome string)                                 {}
func (NoopBillingMetrics) IncWebhookForwarded(success bool)                                  {}
func (NoopBillingMetrics) ObserveSchedulerRun(duration time.Duration, processed, failed int) {}
