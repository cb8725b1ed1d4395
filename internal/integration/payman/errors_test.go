package payman

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paydar-io/billing-engine/internal/domain"
)

func TestIsSuccessCode(t *testing.T) {
	assert.True(t, IsSuccessCode(CodeSuccess))
	assert.True(t, IsSuccessCode(CodeAlreadyVerified))

	assert.False(t, IsSuccessCode(0))
	assert.False(t, IsSuccessCode(-50))
	assert.False(t, IsSuccessCode(99))
}

func TestGatewayErrorCategorization(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"invalid merchant is auth", codeInvalidMerchant, domain.ErrGatewayAuth},
		{"suspended merchant is auth", codeMerchantSuspended, domain.ErrGatewayAuth},
		{"service unavailable is transient", codeServiceUnavailable, domain.ErrGatewayTransient},
		{"internal gateway failure is transient", codeInternalGateway, domain.ErrGatewayTransient},
		{"insufficient funds is business", codeInsufficientFunds, domain.ErrGatewayBusiness},
		{"contract limit is business", codeContractLimit, domain.ErrGatewayBusiness},
		{"unknown code is business", -12345, domain.ErrGatewayBusiness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newGatewayError(tt.code, "gateway message", nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, err.Code)
		})
	}
}
