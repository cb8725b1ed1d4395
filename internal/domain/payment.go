package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus статус платежа
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentKind тип попытки списания
type PaymentKind string

const (
	PaymentKindInitial   PaymentKind = "initial"
	PaymentKindRecurring PaymentKind = "recurring"
	PaymentKindProration PaymentKind = "proration"
)

// DefaultMaxRetries количество повторных попыток списания по умолчанию
const DefaultMaxRetries = 3

// Payment представляет собой одну попытку списания.
// Неудачный платеж с оставшимся бюджетом повторов переиспользуется
// (инкремент RetryCount), а не заменяется новой записью.
type Payment struct {
	ID             uuid.UUID     `json:"id"`
	UserID         uuid.UUID     `json:"user_id"`
	SubscriptionID *uuid.UUID    `json:"subscription_id,omitempty"`
	ProductID      uuid.UUID     `json:"product_id"`
	Amount         int64         `json:"amount"` // в наименьших единицах валюты
	Status         PaymentStatus `json:"status"`
	Kind           PaymentKind   `json:"kind"`
	Authority      string        `json:"authority,omitempty"` // токен шлюза до получения ref_id
	RefID          string        `json:"ref_id,omitempty"`    // итоговый референс шлюза
	FailureReason  string        `json:"failure_reason,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	FailedAt       *time.Time    `json:"failed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RetryExhausted сообщает, исчерпан ли бюджет повторов
func (p *Payment) RetryExhausted() bool {
	return p.RetryCount >= p.MaxRetries
}

// RetryDue сообщает, созрела ли следующая попытка списания
func (p *Payment) RetryDue(now time.Time) bool {
	return p.Status == PaymentStatusFailed && p.NextRetryAt != nil && !p.NextRetryAt.After(now)
}
