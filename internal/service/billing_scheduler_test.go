package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paydar-io/billing-engine/internal/domain"
)

// activeSubscription создает активную подписку с наступившей датой списания
func activeSubscription(t *testing.T, env *billingEnv, userID uuid.UUID, price int64, due time.Time) domain.Subscription {
	t.Helper()

	contract := env.seedContract(userID)
	product := env.seedProduct(price)

	subscription, err := env.subscriptions.Create(context.Background(), domain.Subscription{
		ID:                    uuid.New(),
		UserID:                userID,
		ProductID:             product.ID,
		Status:                domain.SubscriptionStatusActive,
		BillingPeriod:         domain.BillingPeriodMonthly,
		CurrentPrice:          price,
		StartDate:             due.AddDate(0, 0, -30),
		NextBillingDate:       &due,
		DirectDebitContractID: &contract.ID,
	})
	require.NoError(t, err)
	return subscription
}

func TestRunChargesDueSubscription(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	assert.Equal(t, 1, env.gateway.chargeCallCount())

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	require.NotNil(t, stored.NextBillingDate)
	assert.True(t, stored.NextBillingDate.After(time.Now().AddDate(0, 0, 29)))
}

func TestRunSkipsSubscriptionWithPendingPayment(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	_, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         50000,
		Status:         domain.PaymentStatusPending,
		Kind:           domain.PaymentKindRecurring,
		MaxRetries:     domain.DefaultMaxRetries,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	assert.Zero(t, env.gateway.chargeCallCount(), "pending payment must block a second charge")
}

func TestRunRetriesFailedPaymentWhenDue(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	retryAt := time.Now().Add(-time.Minute)
	failedAt := time.Now().Add(-2 * time.Hour)
	_, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         50000,
		Status:         domain.PaymentStatusFailed,
		Kind:           domain.PaymentKindRecurring,
		FailureReason:  "insufficient funds",
		RetryCount:     1,
		MaxRetries:     domain.DefaultMaxRetries,
		NextRetryAt:    &retryAt,
		FailedAt:       &failedAt,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	assert.Equal(t, 1, env.gateway.chargeCallCount())

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
}

func TestRunSkipsRetryBeforeBackoffElapses(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	retryAt := time.Now().Add(time.Hour)
	_, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         50000,
		Status:         domain.PaymentStatusFailed,
		Kind:           domain.PaymentKindRecurring,
		RetryCount:     1,
		MaxRetries:     domain.DefaultMaxRetries,
		NextRetryAt:    &retryAt,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	assert.Zero(t, env.gateway.chargeCallCount())
}

func TestRunExpiresSubscriptionWhenRetriesExhausted(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	_, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         50000,
		Status:         domain.PaymentStatusFailed,
		Kind:           domain.PaymentKindRecurring,
		RetryCount:     domain.DefaultMaxRetries,
		MaxRetries:     domain.DefaultMaxRetries,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, stored.Status)
	assert.Nil(t, stored.NextBillingDate)

	expired := env.publisher.byType(domain.BillingEventSubscriptionExpired)
	assert.Len(t, expired, 1)
	assert.Zero(t, env.gateway.chargeCallCount())
}

func TestRunFailureCeilingTrumpsRetrySchedule(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	// Повтор еще не созрел, но потолок сбоев уже достигнут
	subscription.Metadata.ConsecutiveFailures = 3
	require.NoError(t, env.subscriptions.Update(ctx, subscription))

	retryAt := time.Now().Add(time.Hour)
	_, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         50000,
		Status:         domain.PaymentStatusFailed,
		Kind:           domain.PaymentKindRecurring,
		RetryCount:     1,
		MaxRetries:     domain.DefaultMaxRetries,
		NextRetryAt:    &retryAt,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{FailureCeiling: 3})
	require.NoError(t, scheduler.Run(ctx))

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, stored.Status)
	assert.Zero(t, env.gateway.chargeCallCount())
}

func TestRunIgnoresRejectedProrationCharge(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	// Отклоненная proration-доплата не повторяется и не должна
	// засчитываться как исчерпанный бюджет регулярных списаний
	failedAt := time.Now().Add(-24 * time.Hour)
	_, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscription.ID,
		ProductID:      subscription.ProductID,
		Amount:         20000,
		Status:         domain.PaymentStatusFailed,
		Kind:           domain.PaymentKindProration,
		FailureReason:  "insufficient funds",
		MaxRetries:     0,
		FailedAt:       &failedAt,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	// Очередное регулярное списание проведено, подписка жива
	assert.Equal(t, 1, env.gateway.chargeCallCount())

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	require.NotNil(t, stored.NextBillingDate)
	assert.True(t, stored.NextBillingDate.After(time.Now().AddDate(0, 0, 29)))
}

func TestRunChargeFailureDoesNotAbortBatch(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	first := activeSubscription(t, env, uuid.New(), 50000, due)
	second := activeSubscription(t, env, uuid.New(), 70000, due.Add(time.Minute))

	env.gateway.chargeErr = domain.NewGatewayError(domain.GatewayErrorTransient, -98, "gateway down", nil)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	// Обе подписки обработаны, обе получили неуспешный платеж
	assert.Equal(t, 2, env.gateway.chargeCallCount())

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		payment, err := env.payments.GetLatestFailedBySubscription(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusFailed, payment.Status)
		require.NotNil(t, payment.NextRetryAt)
	}
}

func TestRunAppliesDeferredPlanChange(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	due := time.Now().Add(-time.Hour)
	subscription := activeSubscription(t, env, uuid.New(), 50000, due)

	premium := env.seedProduct(100000)
	subscription.Metadata.PendingPlan = &domain.PlanChange{
		FromProductID: subscription.ProductID,
		ToProductID:   premium.ID,
		FromPrice:     50000,
		ToPrice:       100000,
		EffectiveDate: string(domain.EffectiveNextCycle),
	}
	require.NoError(t, env.subscriptions.Update(ctx, subscription))

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, premium.ID, stored.ProductID)
	assert.Equal(t, int64(100000), stored.CurrentPrice)
	assert.Nil(t, stored.Metadata.PendingPlan)
	require.Len(t, stored.Metadata.PlanChanges, 1)

	// Списание прошло уже по новой цене
	assert.Equal(t, 1, env.gateway.chargeCallCount())
}

func TestRunChargesPendingSubscriptionInitialPayment(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	contract := env.seedContract(userID)
	product := env.seedProduct(50000)

	due := time.Now().Add(-time.Hour)
	subscription, err := env.subscriptions.Create(ctx, domain.Subscription{
		ID:                    uuid.New(),
		UserID:                userID,
		ProductID:             product.ID,
		Status:                domain.SubscriptionStatusPending,
		BillingPeriod:         domain.BillingPeriodMonthly,
		CurrentPrice:          50000,
		StartDate:             due,
		NextBillingDate:       &due,
		DirectDebitContractID: &contract.ID,
	})
	require.NoError(t, err)

	scheduler := env.scheduler(SchedulerConfig{})
	require.NoError(t, scheduler.Run(ctx))

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
}

// TestSubscriptionLifecycleThroughBillingRuns прогоняет подписку через
// полный жизненный цикл: оформление с успешным первичным списанием,
// месяц спустя серия неуспешных списаний с нарастающим бэкоффом,
// исчерпание повторов и принудительное истечение.
func TestSubscriptionLifecycleThroughBillingRuns(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	product := env.seedProduct(50000)

	subscription, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: product.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.gateway.chargeCallCount())

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	require.NotNil(t, stored.NextBillingDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *stored.NextBillingDate, time.Minute)

	// Месяц спустя контракт перестал проходить списания
	env.gateway.chargeErr = domain.NewGatewayError(domain.GatewayErrorBusiness, -50, "insufficient funds", nil)

	clock := time.Now().AddDate(0, 0, 31)
	scheduler := env.scheduler(SchedulerConfig{})
	scheduler.now = func() time.Time { return clock }

	// Очередное списание и три повтора, бэкофф удваивается: 2ч, 4ч, 8ч
	expectedBackoffs := []time.Duration{2 * time.Hour, 4 * time.Hour, 8 * time.Hour}
	for i, backoff := range expectedBackoffs {
		require.NoError(t, scheduler.Run(ctx))
		assert.Equal(t, i+2, env.gateway.chargeCallCount())

		failed, err := env.payments.GetLatestFailedBySubscription(ctx, subscription.ID)
		require.NoError(t, err)
		assert.Equal(t, i, failed.RetryCount)
		require.NotNil(t, failed.NextRetryAt)
		assert.WithinDuration(t, time.Now().Add(backoff), *failed.NextRetryAt, time.Minute)
	}

	// Последний повтор исчерпывает бюджет, времени следующей попытки больше нет
	require.NoError(t, scheduler.Run(ctx))
	assert.Equal(t, 5, env.gateway.chargeCallCount())

	failed, err := env.payments.GetLatestFailedBySubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxRetries, failed.RetryCount)
	assert.True(t, failed.RetryExhausted())
	assert.Nil(t, failed.NextRetryAt)

	stored, err = env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status, "expiration happens on the next run")

	// Следующий прогон закрывает подписку без обращения к шлюзу
	require.NoError(t, scheduler.Run(ctx))
	assert.Equal(t, 5, env.gateway.chargeCallCount())

	stored, err = env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, stored.Status)
	require.NotNil(t, stored.EndDate)
	assert.WithinDuration(t, clock, *stored.EndDate, time.Second)
	assert.Nil(t, stored.NextBillingDate)
	assert.Equal(t, 4, stored.Metadata.ConsecutiveFailures)

	assert.Len(t, env.publisher.byType(domain.BillingEventPaymentCompleted), 1)
	assert.Len(t, env.publisher.byType(domain.BillingEventPaymentFailed), 4)
	assert.Len(t, env.publisher.byType(domain.BillingEventSubscriptionExpired), 1)

	// Истекшая подписка больше не попадает в прогоны
	require.NoError(t, scheduler.Run(ctx))
	assert.Equal(t, 5, env.gateway.chargeCallCount())
}
