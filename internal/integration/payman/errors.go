package payman

import (
	"github.com/paydar-io/billing-engine/internal/domain"
)

// Gateway result codes
const (
	CodeSuccess         = 100 // операция выполнена
	CodeAlreadyVerified = 101 // операция уже была подтверждена ранее

	codeInvalidMerchant    = -74
	codeMerchantSuspended  = -80
	codeServiceUnavailable = -98
	codeInternalGateway    = -99
	codeAmountMismatch     = -33
	codeInsufficientFunds  = -50
	codeContractLimit      = -52
	codeSessionNotFound    = -11
)

// IsSuccessCode сообщает, является ли код шлюза успешным
func IsSuccessCode(code int) bool {
	return code == CodeSuccess || code == CodeAlreadyVerified
}

// categorize переводит числовой код шлюза в категорию ошибки.
// Ошибки учетных данных фатальны и не повторяются; временные
// повторяются планировщиком; все остальное трактуется как бизнес-отказ,
// расходующий слот повтора.
func categorize(code int) domain.GatewayErrorCategory {
	switch code {
	case codeInvalidMerchant, codeMerchantSuspended:
		return domain.GatewayErrorAuth
	case codeServiceUnavailable, codeInternalGateway:
		return domain.GatewayErrorTransient
	default:
		return domain.GatewayErrorBusiness
	}
}

// newGatewayError создает типизированную ошибку из кода и сообщения шлюза
func newGatewayError(code int, message string, err error) *domain.GatewayError {
	return domain.NewGatewayError(categorize(code), code, message, err)
}
