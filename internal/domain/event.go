package domain

import (
	"time"

	"github.com/google/uuid"
)

// BillingEventType тип внутреннего биллингового события
type BillingEventType string

const (
	// События платежей
	BillingEventPaymentCompleted BillingEventType = "payment.completed"
	BillingEventPaymentFailed    BillingEventType = "payment.failed"

	// События подписок
	BillingEventSubscriptionActivated   BillingEventType = "subscription.activated"
	BillingEventSubscriptionCanceled    BillingEventType = "subscription.canceled"
	BillingEventSubscriptionExpired     BillingEventType = "subscription.expired"
	BillingEventSubscriptionPlanChanged BillingEventType = "subscription.plan_changed"

	// События контрактов
	BillingEventContractActivated BillingEventType = "contract.activated"
	BillingEventContractCancelled BillingEventType = "contract.cancelled"

	// Итог сверки уведомления шлюза, уходит только внешним подписчикам
	BillingEventGatewayNotification BillingEventType = "payment.notification"
)

// BillingEvent конверт внутреннего события: {id, type, created, data}.
// Одно и то же событие уходит и во внутреннюю шину, и внешним подписчикам.
type BillingEvent struct {
	ID      uuid.UUID              `json:"id"`
	Type    BillingEventType       `json:"type"`
	Created time.Time              `json:"created"`
	Data    map[string]interface{} `json:"data"`
}

// NewBillingEvent создает новое событие с заполненным конвертом
func NewBillingEvent(eventType BillingEventType, data map[string]interface{}) BillingEvent {
	return BillingEvent{
		ID:      uuid.New(),
		Type:    eventType,
		Created: time.Now(),
		Data:    data,
	}
}

// AggregateID возвращает ключ партиционирования события, если он есть
func (e BillingEvent) AggregateID() string {
	for _, key := range []string{"subscription_id", "payment_id", "contract_id"} {
		if v, ok := e.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return e.ID.String()
}
