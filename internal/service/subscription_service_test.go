package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/repository"
)

func TestSubscribeActivatesOnSuccessfulCharge(t *testing.T) {
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

	assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status)
	assert.Equal(t, int64(50000), subscription.CurrentPrice)
	require.NotNil(t, subscription.NextBillingDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *subscription.NextBillingDate, time.Minute)

	activated := env.publisher.byType(domain.BillingEventSubscriptionActivated)
	assert.Len(t, activated, 1)
	completed := env.publisher.byType(domain.BillingEventPaymentCompleted)
	assert.Len(t, completed, 1)
}

func TestSubscribeStaysPendingWhenChargeFails(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	product := env.seedProduct(50000)

	env.gateway.chargeErr = domain.NewGatewayError(domain.GatewayErrorBusiness, -50, "insufficient funds", nil)

	subscription, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: product.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPending, subscription.Status)
	assert.Equal(t, 1, subscription.Metadata.ConsecutiveFailures)

	payment, err := env.payments.GetLatestFailedBySubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *payment.NextRetryAt, time.Minute)

	failed := env.publisher.byType(domain.BillingEventPaymentFailed)
	assert.Len(t, failed, 1)
}

func TestSubscribeRejectsDuplicateActiveSubscription(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	product := env.seedProduct(50000)

	_, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: product.ID.String(),
	})
	require.NoError(t, err)

	_, err = env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: product.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrSubscriptionConflict)
}

func TestSubscribeRequiresActiveContract(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	product := env.seedProduct(50000)

	_, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    uuid.New().String(),
		ProductID: product.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrContractNotActive)
}

func TestCancelClosesSubscription(t *testing.T) {
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

	require.NoError(t, env.service.Cancel(ctx, subscription.ID.String()))

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, stored.Status)
	assert.Nil(t, stored.NextBillingDate)
	require.NotNil(t, stored.EndDate)
	assert.WithinDuration(t, time.Now(), *stored.EndDate, time.Minute)

	canceled := env.publisher.byType(domain.BillingEventSubscriptionCanceled)
	assert.Len(t, canceled, 1)

	// Повторная отмена отклоняется
	err = env.service.Cancel(ctx, subscription.ID.String())
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestResubscribeCreatesFreshSubscription(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	product := env.seedProduct(50000)

	first, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: product.ID.String(),
	})
	require.NoError(t, err)
	require.NoError(t, env.service.Cancel(ctx, first.ID.String()))

	second, err := env.service.Resubscribe(ctx, first.ID.String())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, second.Status)
	require.NotNil(t, second.Metadata.ResubscribedFrom)
	assert.Equal(t, first.ID, *second.Metadata.ResubscribedFrom)
}

func TestResubscribeRequiresClosedSubscription(t *testing.T) {
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

	_, err = env.service.Resubscribe(ctx, subscription.ID.String())
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestChangePlanImmediateUpgradeChargesProration(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	basic := env.seedProduct(50000)
	premium := env.seedProduct(100000)

	subscription, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: basic.ID.String(),
	})
	require.NoError(t, err)
	callsBefore := env.gateway.chargeCallCount()

	updated, err := env.service.ChangePlan(ctx, subscription.ID.String(), domain.PlanChangeRequest{
		NewProductID:  premium.ID.String(),
		EffectiveDate: domain.EffectiveImmediate,
	})
	require.NoError(t, err)

	assert.Equal(t, premium.ID, updated.ProductID)
	assert.Equal(t, int64(100000), updated.CurrentPrice)
	require.Len(t, updated.Metadata.PlanChanges, 1)
	assert.Equal(t, "immediate", updated.Metadata.PlanChanges[0].EffectiveDate)

	// Полный оставшийся период: доплата равна разнице цен
	assert.Equal(t, callsBefore+1, env.gateway.chargeCallCount())
}

func TestChangePlanDowngradeSkipsCharge(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	premium := env.seedProduct(100000)
	basic := env.seedProduct(50000)

	subscription, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: premium.ID.String(),
	})
	require.NoError(t, err)
	callsBefore := env.gateway.chargeCallCount()

	updated, err := env.service.ChangePlan(ctx, subscription.ID.String(), domain.PlanChangeRequest{
		NewProductID:  basic.ID.String(),
		EffectiveDate: domain.EffectiveImmediate,
	})
	require.NoError(t, err)

	assert.Equal(t, basic.ID, updated.ProductID)
	assert.Equal(t, int64(50000), updated.CurrentPrice)
	assert.Equal(t, callsBefore, env.gateway.chargeCallCount(), "downgrade must not charge")
}

func TestChangePlanNextCycleIsDeferred(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	basic := env.seedProduct(50000)
	premium := env.seedProduct(100000)

	subscription, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: basic.ID.String(),
	})
	require.NoError(t, err)

	updated, err := env.service.ChangePlan(ctx, subscription.ID.String(), domain.PlanChangeRequest{
		NewProductID:  premium.ID.String(),
		EffectiveDate: domain.EffectiveNextCycle,
	})
	require.NoError(t, err)

	// Цена и продукт не меняются до границы цикла
	assert.Equal(t, basic.ID, updated.ProductID)
	assert.Equal(t, int64(50000), updated.CurrentPrice)
	require.NotNil(t, updated.Metadata.PendingPlan)
	assert.Equal(t, premium.ID, updated.Metadata.PendingPlan.ToProductID)
}

func TestChangePlanRejectedWhenProrationChargeFails(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	userID := uuid.New()
	env.seedContract(userID)
	basic := env.seedProduct(50000)
	premium := env.seedProduct(100000)

	subscription, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    userID.String(),
		ProductID: basic.ID.String(),
	})
	require.NoError(t, err)

	env.gateway.chargeErr = domain.NewGatewayError(domain.GatewayErrorBusiness, -50, "insufficient funds", nil)

	_, err = env.service.ChangePlan(ctx, subscription.ID.String(), domain.PlanChangeRequest{
		NewProductID:  premium.ID.String(),
		EffectiveDate: domain.EffectiveImmediate,
	})
	assert.ErrorIs(t, err, domain.ErrGatewayBusiness)

	stored, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, basic.ID, stored.ProductID)
	assert.Equal(t, int64(50000), stored.CurrentPrice)
	assert.Empty(t, stored.Metadata.PlanChanges)
}

func TestSubscribeInvalidIDs(t *testing.T) {
	env := newBillingEnv()
	ctx := context.Background()

	_, err := env.service.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    "not-a-uuid",
		ProductID: uuid.New().String(),
	})
	assert.ErrorIs(t, err, repository.ErrInvalidData)
}
