package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/events"
	"github.com/paydar-io/billing-engine/internal/metrics"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// SchedulerConfig настройки планировщика списаний
type SchedulerConfig struct {
	Interval       time.Duration
	BatchSize      int
	FailureCeiling int // подряд идущие сбои, после которых подписка принудительно истекает
}

// BillingScheduler периодически проводит очередные и повторные списания.
// Сбой обработки одной подписки не прерывает прогон.
type BillingScheduler struct {
	subscriptions repository.SubscriptionRepository
	payments      repository.PaymentRepository
	contracts     repository.ContractRepository
	subsService   SubscriptionService
	publisher     events.Publisher
	metrics       metrics.BillingMetrics
	log           *logger.Logger
	cfg           SchedulerConfig

	scheduler gocron.Scheduler
	now       func() time.Time
}

// NewBillingScheduler создает новый планировщик списаний
func NewBillingScheduler(
	subscriptions repository.SubscriptionRepository,
	payments repository.PaymentRepository,
	contracts repository.ContractRepository,
	subsService SubscriptionService,
	publisher events.Publisher,
	billingMetrics metrics.BillingMetrics,
	cfg SchedulerConfig,
	log *logger.Logger,
) *BillingScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = 10
	}

	return &BillingScheduler{
		subscriptions: subscriptions,
		payments:      payments,
		contracts:     contracts,
		subsService:   subsService,
		publisher:     publisher,
		metrics:       billingMetrics,
		log:           log,
		cfg:           cfg,
		now:           time.Now,
	}
}

// Start регистрирует периодическую задачу и запускает планировщик
func (b *BillingScheduler) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(b.cfg.Interval),
		gocron.NewTask(func() {
			if runErr := b.Run(ctx); runErr != nil {
				b.log.Errorw("Billing run failed", "error", runErr)
			}
		}),
		gocron.WithName("billing-run"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register billing job: %w", err)
	}

	b.scheduler = scheduler
	scheduler.Start()

	b.log.Infow("Billing scheduler started", "interval", b.cfg.Interval, "batch_size", b.cfg.BatchSize)
	return nil
}

// Stop останавливает планировщик
func (b *BillingScheduler) Stop() error {
	if b.scheduler == nil {
		return nil
	}
	return b.scheduler.Shutdown()
}

// Run выполняет один прогон: собирает созревшие подписки и обрабатывает
// каждую независимо
func (b *BillingScheduler) Run(ctx context.Context) error {
	start := b.now()
	b.log.Debug("Billing run started")

	due, err := b.subscriptions.GetDueForBilling(ctx, start, b.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load due subscriptions: %w", err)
	}

	var processed, failed int
	for _, subscription := range due {
		if ctx.Err() != nil {
			break
		}

		if err := b.processSubscription(ctx, subscription); err != nil {
			failed++
			b.log.Errorw("Failed to process subscription",
				"subscription_id", subscription.ID, "error", err)
			continue
		}
		processed++
	}

	duration := b.now().Sub(start)
	b.metrics.ObserveSchedulerRun(duration, processed, failed)
	b.log.Infow("Billing run finished",
		"due", len(due), "processed", processed, "failed", failed, "duration", duration)

	return nil
}

// processSubscription проводит одно списание по подписке
func (b *BillingScheduler) processSubscription(ctx context.Context, subscription domain.Subscription) error {
	now := b.now()

	// Потолок подряд идущих сбоев проверяется раньше всего остального:
	// подписка с безнадежным контрактом не должна вечно крутиться в повторах
	if subscription.Metadata.ConsecutiveFailures >= b.cfg.FailureCeiling {
		return b.expireSubscription(ctx, subscription, "failure ceiling reached")
	}

	// Незакрытый pending-платеж означает списание в полете, его итог
	// принесет вебхук. Вторая попытка параллельно не создается.
	_, err := b.payments.GetPendingBySubscription(ctx, subscription.ID)
	if err == nil {
		b.log.Debug("Subscription %s has a pending payment, skipping", subscription.ID)
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if subscription.Metadata.PendingPlan != nil {
		if err := b.applyPendingPlan(ctx, &subscription, now); err != nil {
			return err
		}
	}

	if subscription.DirectDebitContractID == nil {
		return domain.ErrContractNotActive
	}

	contract, err := b.contracts.GetByID(ctx, *subscription.DirectDebitContractID)
	if err != nil {
		return err
	}

	lastFailed, err := b.payments.GetLatestFailedBySubscription(ctx, subscription.ID)
	switch {
	case err == nil:
		return b.retryPayment(ctx, subscription, lastFailed, contract, now)
	case errors.Is(err, repository.ErrNotFound):
		return b.chargeNew(ctx, subscription, contract)
	default:
		return err
	}
}

// retryPayment повторяет неуспешный платеж либо закрывает подписку,
// если бюджет повторов исчерпан
func (b *BillingScheduler) retryPayment(ctx context.Context, subscription domain.Subscription, payment domain.Payment, contract domain.PaymentMethod, now time.Time) error {
	if payment.RetryExhausted() {
		return b.expireSubscription(ctx, subscription, "payment retries exhausted")
	}

	if !payment.RetryDue(now) {
		b.log.Debug("Subscription %s retry not due yet", subscription.ID)
		return nil
	}

	payment.RetryCount++
	if err := b.subsService.ExecuteCharge(ctx, &subscription, &payment, contract); err != nil {
		// Неуспех уже зафиксирован в платеже, прогон продолжается
		b.log.Warnw("Retry charge failed",
			"subscription_id", subscription.ID, "payment_id", payment.ID,
			"retry", payment.RetryCount, "error", err)
	}

	return nil
}

// chargeNew создает и проводит очередное регулярное списание
func (b *BillingScheduler) chargeNew(ctx context.Context, subscription domain.Subscription, contract domain.PaymentMethod) error {
	kind := domain.PaymentKindRecurring
	if subscription.Status == domain.SubscriptionStatusPending {
		kind = domain.PaymentKindInitial
	}

	payment := domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         subscription.CurrentPrice,
		Status:         domain.PaymentStatusPending,
		Kind:           kind,
		MaxRetries:     domain.DefaultMaxRetries,
	}

	payment, err := b.payments.Create(ctx, payment)
	if err != nil {
		// Конкурирующий инстанс уже создал pending-платеж
		if errors.Is(err, repository.ErrConcurrencyConflict) {
			b.log.Debug("Concurrent pending payment for subscription %s, skipping", subscription.ID)
			return nil
		}
		return err
	}

	if err := b.subsService.ExecuteCharge(ctx, &subscription, &payment, contract); err != nil {
		b.log.Warnw("Recurring charge failed",
			"subscription_id", subscription.ID, "payment_id", payment.ID, "error", err)
	}

	return nil
}

// applyPendingPlan применяет отложенную смену тарифа на границе цикла
func (b *BillingScheduler) applyPendingPlan(ctx context.Context, subscription *domain.Subscription, now time.Time) error {
	change := *subscription.Metadata.PendingPlan
	change.ChangedAt = now

	subscription.ProductID = change.ToProductID
	subscription.CurrentPrice = change.ToPrice
	subscription.Metadata.PlanChanges = append(subscription.Metadata.PlanChanges, change)
	subscription.Metadata.PendingPlan = nil

	if err := b.subscriptions.Update(ctx, *subscription); err != nil {
		return err
	}

	b.log.Infow("Deferred plan change applied",
		"subscription_id", subscription.ID, "product_id", change.ToProductID)
	return nil
}

// expireSubscription принудительно закрывает подписку
func (b *BillingScheduler) expireSubscription(ctx context.Context, subscription domain.Subscription, reason string) error {
	now := b.now()
	subscription.Status = domain.SubscriptionStatusExpired
	subscription.EndDate = &now
	subscription.NextBillingDate = nil

	if err := b.subscriptions.Update(ctx, subscription); err != nil {
		return err
	}

	b.metrics.IncSubscriptionTransition(string(domain.SubscriptionStatusExpired))

	event := domain.NewBillingEvent(domain.BillingEventSubscriptionExpired, map[string]interface{}{
		"subscription_id": subscription.ID.String(),
		"user_id":         subscription.UserID.String(),
		"reason":          reason,
	})
	if err := b.publisher.Publish(ctx, event); err != nil {
		b.log.Warnw("Failed to publish expiration event",
			"subscription_id", subscription.ID, "error", err)
	}

	b.log.Infow("Subscription expired", "subscription_id", subscription.ID, "reason", reason)
	return nil
}
