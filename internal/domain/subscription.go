package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// BillingPeriod период тарификации подписки
type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodOneTime BillingPeriod = "one_time"
)

// BillingPeriodDays длина расчетного цикла в днях
const BillingPeriodDays = 30

// PlanChange одна запись истории смены тарифа
type PlanChange struct {
	FromProductID uuid.UUID `json:"from_product_id"`
	ToProductID   uuid.UUID `json:"to_product_id"`
	FromPrice     int64     `json:"from_price"`
	ToPrice       int64     `json:"to_price"`
	ChangedAt     time.Time `json:"changed_at"`
	EffectiveDate string    `json:"effective_date"` // "immediate" или "next_cycle"
}

// SubscriptionMetadata типизированные метаданные подписки.
// Хранится в БД как JSONB, но структура закрытая: история смен тарифа
// и счетчик последовательных сбоев не подбираются по ключам на лету.
type SubscriptionMetadata struct {
	PlanChanges         []PlanChange `json:"plan_changes,omitempty"`
	PendingPlan         *PlanChange  `json:"pending_plan,omitempty"` // смена тарифа, отложенная до следующего цикла
	ConsecutiveFailures int          `json:"consecutive_failures,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	ResubscribedFrom    *uuid.UUID   `json:"resubscribed_from,omitempty"`
}

// Subscription представляет собой модель подписки
type Subscription struct {
	ID                    uuid.UUID            `json:"id"`
	UserID                uuid.UUID            `json:"user_id"`
	ProductID             uuid.UUID            `json:"product_id"`
	Status                SubscriptionStatus   `json:"status"`
	BillingPeriod         BillingPeriod        `json:"billing_period"`
	CurrentPrice          int64                `json:"current_price"` // в наименьших единицах валюты
	StartDate             time.Time            `json:"start_date"`
	EndDate               *time.Time           `json:"end_date,omitempty"`
	NextBillingDate       *time.Time           `json:"next_billing_date,omitempty"`
	DirectDebitContractID *uuid.UUID           `json:"direct_debit_contract_id,omitempty"`
	Metadata              SubscriptionMetadata `json:"metadata"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

// IsTerminal сообщает, находится ли подписка в терминальном состоянии
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired
}

// EffectiveDate когда применяется смена тарифа
type EffectiveDate string

const (
	EffectiveImmediate EffectiveDate = "immediate"
	EffectiveNextCycle EffectiveDate = "next_cycle"
)

// SubscribeRequest представляет запрос на оформление подписки
type SubscribeRequest struct {
	UserID    string `json:"user_id" binding:"required,uuid4"`
	ProductID string `json:"product_id" binding:"required,uuid4"`
}

// PlanChangeRequest представляет запрос на смену тарифа
type PlanChangeRequest struct {
	NewProductID  string        `json:"new_product_id" binding:"required,uuid4"`
	EffectiveDate EffectiveDate `json:"effective_date" binding:"required,oneof=immediate next_cycle"`
}
