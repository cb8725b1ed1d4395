package service

import (
	"context"
	"time"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/integration/payman"
)

// GatewayClient операции платежного шлюза, используемые сервисами.
// Реализуется payman.Client, в тестах подменяется фейком.
type GatewayClient interface {
	RequestContract(ctx context.Context, mobile, ssn string, expireAt time.Time, maxDailyAmount int64, maxDailyCount, maxMonthlyCount int) (*payman.ContractRequestResult, error)
	GetBankList(ctx context.Context) ([]domain.Bank, error)
	SigningURL(authority string) string
	VerifyContract(ctx context.Context, authority string) (*payman.ContractVerifyGatewayResult, error)
	Charge(ctx context.Context, signature string, amount int64, description string, metadata map[string]string) (*payman.ChargeResult, error)
	VerifyPayment(ctx context.Context, authority string, amount int64) (*payman.PaymentVerifyResult, error)
}

// BankCache кеш списка банков
type BankCache interface {
	GetBankList(ctx context.Context) ([]domain.Bank, error)
	SetBankList(ctx context.Context, banks []domain.Bank) error
}
