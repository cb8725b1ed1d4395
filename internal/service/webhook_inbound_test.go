package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/metrics"
	"github.com/paydar-io/billing-engine/internal/repository"
)

// fakeForwarder имитирует доставку событий внешним подписчикам
type fakeForwarder struct {
	forwardErr error
	delivered  int
	events     []domain.BillingEvent
}

func (f *fakeForwarder) Forward(ctx context.Context, event domain.BillingEvent) (int, error) {
	f.events = append(f.events, event)
	if f.forwardErr != nil {
		return 0, f.forwardErr
	}
	return f.delivered, nil
}

type webhookEnv struct {
	*billingEnv
	webhookEvents *repository.InMemoryWebhookEventRepository
	forwarder     *fakeForwarder
	webhooks      WebhookService
}

func newWebhookEnv() *webhookEnv {
	log := testLogger()
	base := newBillingEnv()

	env := &webhookEnv{
		billingEnv:    base,
		webhookEvents: repository.NewInMemoryWebhookEventRepository(log),
		forwarder:     &fakeForwarder{delivered: 1},
	}
	env.webhooks = NewWebhookService(
		env.webhookEvents, base.payments, base.service,
		base.gateway, base.publisher, env.forwarder, metrics.NoopBillingMetrics{}, log)
	return env
}

// pendingChargeInFlight создает pending-подписку с незавершенным платежом,
// у которого уже есть authority от шлюза
func pendingChargeInFlight(t *testing.T, env *webhookEnv, authority string) (domain.Subscription, domain.Payment) {
	t.Helper()
	ctx := context.Background()

	userID := uuid.New()
	contract := env.seedContract(userID)
	product := env.seedProduct(50000)

	now := time.Now()
	subscription, err := env.subscriptions.Create(ctx, domain.Subscription{
		ID:                    uuid.New(),
		UserID:                userID,
		ProductID:             product.ID,
		Status:                domain.SubscriptionStatusPending,
		BillingPeriod:         domain.BillingPeriodMonthly,
		CurrentPrice:          50000,
		StartDate:             now,
		NextBillingDate:       &now,
		DirectDebitContractID: &contract.ID,
	})
	require.NoError(t, err)

	payment, err := env.payments.Create(ctx, domain.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: &subscription.ID,
		ProductID:      product.ID,
		Amount:         50000,
		Status:         domain.PaymentStatusPending,
		Kind:           domain.PaymentKindInitial,
		Authority:      authority,
		MaxRetries:     domain.DefaultMaxRetries,
	})
	require.NoError(t, err)

	return subscription, payment
}

func TestProcessNotificationConfirmsAfterVerification(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	subscription, payment := pendingChargeInFlight(t, env, "auth-wh-1")

	ack, err := env.webhooks.ProcessGatewayNotification(ctx, []byte(`{"authority":"auth-wh-1","status":"OK"}`),
		domain.GatewayNotification{Authority: "auth-wh-1", Status: domain.GatewayNotificationOK})
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.True(t, ack.Processed)
	assert.True(t, ack.Forwarded)
	assert.Equal(t, 1, env.gateway.verifyCallCount())

	storedPayment, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, storedPayment.Status)
	assert.NotEmpty(t, storedPayment.RefID)

	storedSub, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, storedSub.Status)

	activated := env.publisher.byType(domain.BillingEventSubscriptionActivated)
	assert.Len(t, activated, 1)

	// Исход сверки ушел внешним подписчикам и зафиксирован в аудите
	require.Len(t, env.forwarder.events, 1)
	assert.Equal(t, domain.BillingEventGatewayNotification, env.forwarder.events[0].Type)
	assert.Equal(t, "confirmed", env.forwarder.events[0].Data["outcome"])

	audit, err := env.webhookEvents.GetByID(ctx, ack.EventID)
	require.NoError(t, err)
	assert.True(t, audit.ForwardedToExternal)
	assert.Empty(t, audit.ForwardingError)
}

func TestProcessNotificationNeverTrustsPayloadSuccess(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	subscription, payment := pendingChargeInFlight(t, env, "auth-wh-2")

	// Payload утверждает OK, но верификация на шлюзе отклоняет платеж
	env.gateway.verifyCode = -33

	ack, err := env.webhooks.ProcessGatewayNotification(ctx, []byte(`{"authority":"auth-wh-2","status":"OK"}`),
		domain.GatewayNotification{Authority: "auth-wh-2", Status: domain.GatewayNotificationOK})
	require.NoError(t, err)
	assert.True(t, ack.Processed)

	storedPayment, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, storedPayment.Status)
	require.NotNil(t, storedPayment.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *storedPayment.NextRetryAt, time.Minute)

	storedSub, err := env.subscriptions.GetByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPending, storedSub.Status)

	failed := env.publisher.byType(domain.BillingEventPaymentFailed)
	assert.Len(t, failed, 1)
}

func TestProcessNotificationNOKFailsWithoutVerification(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	_, payment := pendingChargeInFlight(t, env, "auth-wh-5")

	ack, err := env.webhooks.ProcessGatewayNotification(ctx, []byte(`{"authority":"auth-wh-5","status":"NOK"}`),
		domain.GatewayNotification{Authority: "auth-wh-5", Status: domain.GatewayNotificationNOK})
	require.NoError(t, err)
	assert.True(t, ack.Processed)
	assert.Zero(t, env.gateway.verifyCallCount(), "NOK has nothing to verify")

	storedPayment, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, storedPayment.Status)
	require.NotNil(t, storedPayment.NextRetryAt)

	failed := env.publisher.byType(domain.BillingEventPaymentFailed)
	assert.Len(t, failed, 1)

	require.Len(t, env.forwarder.events, 1)
	assert.Equal(t, "declined", env.forwarder.events[0].Data["outcome"])
}

func TestProcessNotificationRecordsForwardingFailure(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	_, payment := pendingChargeInFlight(t, env, "auth-wh-6")
	env.forwarder.forwardErr = errors.New("endpoint ledger: connection refused")

	ack, err := env.webhooks.ProcessGatewayNotification(ctx, []byte(`{"authority":"auth-wh-6","status":"OK"}`),
		domain.GatewayNotification{Authority: "auth-wh-6", Status: domain.GatewayNotificationOK})
	require.NoError(t, err, "forwarding failure must not fail the reconciliation")
	assert.True(t, ack.Processed)
	assert.False(t, ack.Forwarded)

	// Сверка применена, несмотря на недоставку
	storedPayment, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, storedPayment.Status)

	audit, err := env.webhookEvents.GetByID(ctx, ack.EventID)
	require.NoError(t, err)
	assert.False(t, audit.ForwardedToExternal)
	assert.Contains(t, audit.ForwardingError, "connection refused")
}

func TestProcessNotificationUnknownAuthority(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	ack, err := env.webhooks.ProcessGatewayNotification(ctx, []byte(`{"authority":"ghost"}`),
		domain.GatewayNotification{Authority: "ghost", Status: domain.GatewayNotificationOK})
	require.NoError(t, err, "unknown authority is acknowledged, not retried by the gateway")
	assert.True(t, ack.Received)
	assert.True(t, ack.Processed)
	assert.False(t, ack.Forwarded)

	audit, err := env.webhookEvents.GetByID(ctx, ack.EventID)
	require.NoError(t, err)
	assert.True(t, audit.Processed)
	assert.Nil(t, audit.PaymentID)
}

func TestProcessNotificationDuplicateIsIdempotent(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	subscription, payment := pendingChargeInFlight(t, env, "auth-wh-3")
	_ = subscription

	notification := domain.GatewayNotification{Authority: "auth-wh-3", Status: domain.GatewayNotificationOK}
	payload := []byte(`{"authority":"auth-wh-3","status":"OK"}`)

	_, err := env.webhooks.ProcessGatewayNotification(ctx, payload, notification)
	require.NoError(t, err)

	// Повторная доставка того же уведомления
	ack, err := env.webhooks.ProcessGatewayNotification(ctx, payload, notification)
	require.NoError(t, err)
	assert.True(t, ack.Processed)

	storedPayment, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, storedPayment.Status)

	// Активация не дублируется
	activated := env.publisher.byType(domain.BillingEventSubscriptionActivated)
	assert.Len(t, activated, 1)
}

func TestProcessNotificationPersistsRawPayload(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	_, payment := pendingChargeInFlight(t, env, "auth-wh-4")

	raw := []byte(`{"authority":"auth-wh-4","status":"OK","extra":"untouched"}`)
	ack, err := env.webhooks.ProcessGatewayNotification(ctx, raw,
		domain.GatewayNotification{Authority: "auth-wh-4", Status: domain.GatewayNotificationOK})
	require.NoError(t, err)

	audit, err := env.webhookEvents.GetByID(ctx, ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, raw, audit.RawPayload)
	assert.True(t, audit.Processed)
	require.NotNil(t, audit.ProcessedAt)
	require.NotNil(t, audit.PaymentID)
	assert.Equal(t, payment.ID, *audit.PaymentID)
}

func TestGetUnprocessed(t *testing.T) {
	env := newWebhookEnv()
	ctx := context.Background()

	event, err := env.webhookEvents.Create(ctx, domain.WebhookEvent{
		ID:         uuid.New(),
		Source:     "payman",
		EventType:  "payment.notification",
		RawPayload: []byte(`{}`),
	})
	require.NoError(t, err)

	pending, err := env.webhooks.GetUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.ID, pending[0].ID)
}
