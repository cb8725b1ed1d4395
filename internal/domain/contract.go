package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContractStatus статус прямого дебетового контракта
type ContractStatus string

const (
	ContractStatusPendingSignature   ContractStatus = "pending_signature"
	ContractStatusActive             ContractStatus = "active"
	ContractStatusCancelledByUser    ContractStatus = "cancelled_by_user"
	ContractStatusVerificationFailed ContractStatus = "verification_failed"
)

// ContractType тип платежного метода
type ContractType string

const (
	ContractTypePending     ContractType = "pending_contract"
	ContractTypeDirectDebit ContractType = "direct_debit_contract"
)

// PaymentMethod представляет собой подписанный дебетовый контракт (Payman).
// ContractSignature функционально эквивалентна сохраненному токену карты
// и обрабатывается с той же конфиденциальностью.
type PaymentMethod struct {
	ID                uuid.UUID      `json:"id"`
	UserID            uuid.UUID      `json:"user_id"`
	ContractType      ContractType   `json:"contract_type"`
	ContractStatus    ContractStatus `json:"contract_status"`
	PaymanAuthority   string         `json:"-"` // временный токен, присутствует только до подписания
	ContractSignature string         `json:"-"` // установлена тогда и только тогда, когда контракт активен
	MaxDailyAmount    int64          `json:"max_daily_amount"`
	MaxDailyCount     int            `json:"max_daily_count"`
	MaxMonthlyCount   int            `json:"max_monthly_count"`
	IsPrimary         bool           `json:"is_primary"`
	IsActive          bool           `json:"is_active"`
	ExpireAt          time.Time      `json:"expire_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ContractRequest представляет запрос на инициацию контракта
type ContractRequest struct {
	UserID          string `json:"user_id" binding:"required,uuid4"`
	Mobile          string `json:"mobile" binding:"required"`
	SSN             string `json:"ssn,omitempty"`
	DurationDays    int    `json:"duration_days" binding:"required,gt=0"`
	MaxDailyAmount  int64  `json:"max_daily_amount" binding:"required,gt=0"`
	MaxDailyCount   int    `json:"max_daily_count" binding:"required,gt=0"`
	MaxMonthlyCount int    `json:"max_monthly_count" binding:"required,gt=0"`
}

// ContractVerifyRequest представляет callback подписания от шлюза
type ContractVerifyRequest struct {
	Authority  string `json:"authority" binding:"required"`
	UserStatus string `json:"status" binding:"required,oneof=OK NOK"`
	ContractID string `json:"contract_id" binding:"required,uuid4"`
}

// ContractInitiation результат инициации контракта: authority шлюза,
// список банков и шаблон URL подписания
type ContractInitiation struct {
	PaymentMethodID uuid.UUID `json:"payment_method_id"`
	Authority       string    `json:"authority"`
	Banks           []Bank    `json:"banks"`
	SigningURL      string    `json:"signing_url"` // шаблон с плейсхолдером банка
}

// Bank один банк из списка шлюза
type Bank struct {
	Name              string `json:"name"`
	Slug              string `json:"slug"`
	BankCode          string `json:"bank_code"`
	MaxDailyAmount    int64  `json:"max_daily_amount"`
	MaxDailyCount     int    `json:"max_daily_count"`
	MaxContractAmount int64  `json:"max_contract_amount"`
}

// ContractVerifyOutcome дискриминатор результата верификации
type ContractVerifyOutcome string

const (
	ContractVerifySigned    ContractVerifyOutcome = "signed"
	ContractVerifyCancelled ContractVerifyOutcome = "cancelled_by_user"
	ContractVerifyFailed    ContractVerifyOutcome = "verification_failed"
)

// ContractVerifyResult структурированный итог верификации. Отказ пользователя
// и неуспех шлюза считаются ожидаемыми бизнес-исходами и возвращаются
// как данные, не как error.
type ContractVerifyResult struct {
	Outcome         ContractVerifyOutcome `json:"outcome"`
	PaymentMethodID uuid.UUID             `json:"payment_method_id"`
	GatewayCode     int                   `json:"gateway_code,omitempty"`
	GatewayMessage  string                `json:"gateway_message,omitempty"`
}
