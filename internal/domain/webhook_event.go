package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent аудит-запись одного входящего уведомления шлюза.
// RawPayload неизменяем; Processed выставляется ровно один раз,
// после завершения сверки.
type WebhookEvent struct {
	ID                  uuid.UUID  `json:"id"`
	Source              string     `json:"source"`
	EventType           string     `json:"event_type"`
	RawPayload          []byte     `json:"raw_payload"`
	Processed           bool       `json:"processed"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	PaymentID           *uuid.UUID `json:"payment_id,omitempty"`
	ForwardedToExternal bool       `json:"forwarded_to_external"`
	ForwardingError     string     `json:"forwarding_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// GatewayNotificationStatus статус во входящем уведомлении
type GatewayNotificationStatus string

const (
	GatewayNotificationOK  GatewayNotificationStatus = "OK"
	GatewayNotificationNOK GatewayNotificationStatus = "NOK"
)

// GatewayNotification тело входящего вебхука от платежного шлюза
type GatewayNotification struct {
	Authority string                    `json:"authority" binding:"required"`
	Status    GatewayNotificationStatus `json:"status" binding:"required,oneof=OK NOK"`
	RefID     string                    `json:"ref_id,omitempty"`
	Timestamp int64                     `json:"timestamp,omitempty"`
}

// WebhookAck ответ на принятое уведомление
type WebhookAck struct {
	Received  bool      `json:"received"`
	EventID   uuid.UUID `json:"event_id"`
	Processed bool      `json:"processed"`
	Forwarded bool      `json:"forwarded"`
}
