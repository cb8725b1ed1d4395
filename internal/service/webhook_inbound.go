package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/events"
	"github.com/paydar-io/billing-engine/internal/integration/payman"
	"github.com/paydar-io/billing-engine/internal/metrics"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

const webhookSourcePayman = "payman"

// EventForwarder доставляет событие внешним подписчикам и сообщает исход:
// число успешных доставок и первую ошибку
type EventForwarder interface {
	Forward(ctx context.Context, event domain.BillingEvent) (int, error)
}

// WebhookService интерфейс обработки входящих уведомлений шлюза
type WebhookService interface {
	ProcessGatewayNotification(ctx context.Context, rawPayload []byte, notification domain.GatewayNotification) (domain.WebhookAck, error)
	GetUnprocessed(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

type webhookService struct {
	webhookEvents repository.WebhookEventRepository
	payments      repository.PaymentRepository
	subsService   SubscriptionService
	gateway       GatewayClient
	publisher     events.Publisher
	forwarder     EventForwarder
	metrics       metrics.BillingMetrics
	log           *logger.Logger

	now func() time.Time
}

// NewWebhookService создает новый сервис обработки вебхуков
func NewWebhookService(
	webhookEvents repository.WebhookEventRepository,
	payments repository.PaymentRepository,
	subsService SubscriptionService,
	gateway GatewayClient,
	publisher events.Publisher,
	forwarder EventForwarder,
	billingMetrics metrics.BillingMetrics,
	log *logger.Logger,
) WebhookService {
	return &webhookService{
		webhookEvents: webhookEvents,
		payments:      payments,
		subsService:   subsService,
		gateway:       gateway,
		publisher:     publisher,
		forwarder:     forwarder,
		metrics:       billingMetrics,
		log:           log,
		now:           time.Now,
	}
}

// ProcessGatewayNotification сверяет уведомление шлюза с платежом.
// Сырой payload сохраняется до любой интерпретации. Заявленному успеху
// движок не верит: OK подтверждается независимой верификацией на стороне
// шлюза. NOK фиксируется как неуспех сразу, верифицировать там нечего.
func (s *webhookService) ProcessGatewayNotification(ctx context.Context, rawPayload []byte, notification domain.GatewayNotification) (domain.WebhookAck, error) {
	audit := domain.WebhookEvent{
		ID:         uuid.New(),
		Source:     webhookSourcePayman,
		EventType:  "payment.notification",
		RawPayload: rawPayload,
	}

	audit, err := s.webhookEvents.Create(ctx, audit)
	if err != nil {
		s.log.Errorw("Failed to persist webhook audit record", "error", err)
		return domain.WebhookAck{}, err
	}

	ack := domain.WebhookAck{Received: true, EventID: audit.ID}

	payment, err := s.payments.GetByAuthority(ctx, notification.Authority)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Уведомление о неизвестном платеже: фиксируется и закрывается,
			// чтобы шлюз не ретраил его бесконечно
			s.log.Warnw("Webhook reconciliation ambiguous",
				"authority", notification.Authority, "event_id", audit.ID,
				"error", domain.ErrReconciliationAmbiguous)
			s.metrics.IncWebhookReceived("unknown_authority")
			s.markProcessed(ctx, &audit, nil)
			ack.Processed = true
			return ack, nil
		}
		return ack, err
	}

	audit.PaymentID = &payment.ID

	// Повтор уведомления по завершенному платежу идемпотентен
	if payment.Status == domain.PaymentStatusCompleted {
		s.metrics.IncWebhookReceived("duplicate")
		s.markProcessed(ctx, &audit, &payment.ID)
		ack.Processed = true
		return ack, nil
	}

	confirmed := false
	var refID string
	if notification.Status == domain.GatewayNotificationOK {
		confirmed, refID = s.verifyWithGateway(ctx, notification, payment.Amount)
	}

	if confirmed {
		payment.RefID = refID
		if err := s.subsService.ActivateFromPayment(ctx, payment); err != nil {
			s.log.Errorw("Failed to apply confirmed payment",
				"payment_id", payment.ID, "error", err)
			return ack, err
		}
		s.metrics.IncWebhookReceived("confirmed")
	} else {
		reason := "declined by gateway notification"
		if notification.Status == domain.GatewayNotificationOK {
			reason = "gateway verification declined"
		}
		s.applyFailure(ctx, payment, reason)
		s.metrics.IncWebhookReceived("declined")
	}

	s.forwardNotification(ctx, &audit, payment, confirmed)

	s.markProcessed(ctx, &audit, &payment.ID)
	ack.Processed = true
	ack.Forwarded = audit.ForwardedToExternal

	return ack, nil
}

// forwardNotification доставляет итог сверки внешним подписчикам и
// фиксирует фактический исход доставки в аудитной записи. Неуспех
// доставки не откатывает сверку: платеж уже обработан.
func (s *webhookService) forwardNotification(ctx context.Context, audit *domain.WebhookEvent, payment domain.Payment, confirmed bool) {
	if s.forwarder == nil {
		return
	}

	outcome := "declined"
	if confirmed {
		outcome = "confirmed"
	}

	data := map[string]interface{}{
		"payment_id": payment.ID.String(),
		"user_id":    payment.UserID.String(),
		"amount":     payment.Amount,
		"outcome":    outcome,
	}
	if payment.SubscriptionID != nil {
		data["subscription_id"] = payment.SubscriptionID.String()
	}

	event := domain.NewBillingEvent(domain.BillingEventGatewayNotification, data)
	delivered, err := s.forwarder.Forward(ctx, event)

	audit.ForwardedToExternal = delivered > 0 && err == nil
	if err != nil {
		audit.ForwardingError = err.Error()
		s.log.Warnw("Failed to forward webhook outcome",
			"event_id", audit.ID, "payment_id", payment.ID, "error", err)
	}

	s.metrics.IncWebhookForwarded(audit.ForwardedToExternal)
}

// verifyWithGateway независимо подтверждает платеж. Только успех этой
// проверки переводит платеж в completed: флаг из payload доступен
// атакующему и сам по себе деньги не двигает.
func (s *webhookService) verifyWithGateway(ctx context.Context, notification domain.GatewayNotification, amount int64) (bool, string) {
	verify, err := s.gateway.VerifyPayment(ctx, notification.Authority, amount)
	if err != nil {
		s.log.Warnw("Gateway payment verification failed",
			"authority", notification.Authority, "error", err)
		return false, ""
	}

	if !payman.IsSuccessCode(verify.Code) {
		return false, ""
	}

	return true, verify.RefID.String()
}

// applyFailure фиксирует неуспех платежа, установленный сверкой
func (s *webhookService) applyFailure(ctx context.Context, payment domain.Payment, reason string) {
	now := s.now()
	payment.Status = domain.PaymentStatusFailed
	payment.FailureReason = reason
	payment.FailedAt = &now

	if !payment.RetryExhausted() {
		nextRetry := now.Add(RetryBackoff(payment.RetryCount + 1))
		payment.NextRetryAt = &nextRetry
	} else {
		payment.NextRetryAt = nil
	}

	if err := s.payments.Update(ctx, payment); err != nil {
		s.log.Errorw("Failed to persist declined payment", "payment_id", payment.ID, "error", err)
		return
	}

	data := map[string]interface{}{
		"payment_id":     payment.ID.String(),
		"user_id":        payment.UserID.String(),
		"amount":         payment.Amount,
		"failure_reason": payment.FailureReason,
	}
	if payment.SubscriptionID != nil {
		data["subscription_id"] = payment.SubscriptionID.String()
	}

	event := domain.NewBillingEvent(domain.BillingEventPaymentFailed, data)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warnw("Failed to publish payment failure event", "payment_id", payment.ID, "error", err)
	}
}

// markProcessed выставляет флаг обработки ровно один раз
func (s *webhookService) markProcessed(ctx context.Context, audit *domain.WebhookEvent, paymentID *uuid.UUID) {
	now := s.now()
	audit.Processed = true
	audit.ProcessedAt = &now
	audit.PaymentID = paymentID

	if err := s.webhookEvents.Update(ctx, *audit); err != nil {
		s.log.Errorw("Failed to mark webhook event processed",
			"event_id", audit.ID, "error", err)
	}
}

// GetUnprocessed возвращает необработанные уведомления для ручной сверки
func (s *webhookService) GetUnprocessed(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.webhookEvents.GetUnprocessed(ctx, limit)
}
