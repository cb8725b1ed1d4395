package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/integration/payman"
	"github.com/paydar-io/billing-engine/internal/metrics"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.New(logger.ERROR)
	log.SetOutput(io.Discard)
	return log
}

// fakeGateway управляемый фейк платежного шлюза
type fakeGateway struct {
	mu sync.Mutex

	chargeErr    error
	chargeRefID  string
	chargeCalls  int
	verifyCode   int
	verifyRefID  string
	verifyErr    error
	verifyCalls  int
	contractSig  string
	contractCode int
	contractErr  error
	banks        []domain.Bank
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		chargeRefID:  "ref-1001",
		verifyCode:   payman.CodeSuccess,
		verifyRefID:  "ref-1001",
		contractSig:  "sig-abc",
		contractCode: payman.CodeSuccess,
		banks: []domain.Bank{
			{Name: "Test Bank", Slug: "test", BankCode: "012", MaxDailyAmount: 1000000, MaxDailyCount: 10},
		},
	}
}

func (f *fakeGateway) RequestContract(ctx context.Context, mobile, ssn string, expireAt time.Time, maxDailyAmount int64, maxDailyCount, maxMonthlyCount int) (*payman.ContractRequestResult, error) {
	return &payman.ContractRequestResult{Authority: "payman-auth-1", Code: payman.CodeSuccess}, nil
}

func (f *fakeGateway) GetBankList(ctx context.Context) ([]domain.Bank, error) {
	return f.banks, nil
}

func (f *fakeGateway) SigningURL(authority string) string {
	return "https://gateway.test/pg/StartPayman/" + authority + "/{bank_code}"
}

func (f *fakeGateway) VerifyContract(ctx context.Context, authority string) (*payman.ContractVerifyGatewayResult, error) {
	if f.contractErr != nil {
		return nil, f.contractErr
	}
	return &payman.ContractVerifyGatewayResult{Signature: f.contractSig, Code: f.contractCode}, nil
}

func (f *fakeGateway) Charge(ctx context.Context, signature string, amount int64, description string, metadata map[string]string) (*payman.ChargeResult, error) {
	f.mu.Lock()
	f.chargeCalls++
	calls := f.chargeCalls
	f.mu.Unlock()

	authority := "charge-auth-" + string(rune('0'+calls%10))
	if f.chargeErr != nil {
		return &payman.ChargeResult{Authority: authority}, f.chargeErr
	}
	return &payman.ChargeResult{Authority: authority, RefID: f.chargeRefID, Code: payman.CodeSuccess}, nil
}

func (f *fakeGateway) VerifyPayment(ctx context.Context, authority string, amount int64) (*payman.PaymentVerifyResult, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()

	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &payman.PaymentVerifyResult{RefID: "9876543", Code: f.verifyCode}, nil
}

func (f *fakeGateway) chargeCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chargeCalls
}

func (f *fakeGateway) verifyCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

// collectingPublisher собирает опубликованные события
type collectingPublisher struct {
	mu     sync.Mutex
	events []domain.BillingEvent
}

func (p *collectingPublisher) Publish(ctx context.Context, event domain.BillingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *collectingPublisher) byType(eventType domain.BillingEventType) []domain.BillingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.BillingEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// billingEnv собранное тестовое окружение биллинга
type billingEnv struct {
	subscriptions *repository.InMemorySubscriptionRepository
	payments      *repository.InMemoryPaymentRepository
	contracts     *repository.InMemoryContractRepository
	products      *repository.InMemoryProductRepository
	gateway       *fakeGateway
	publisher     *collectingPublisher
	service       SubscriptionService
}

func newBillingEnv() *billingEnv {
	log := testLogger()
	env := &billingEnv{
		subscriptions: repository.NewInMemorySubscriptionRepository(log),
		payments:      repository.NewInMemoryPaymentRepository(log),
		contracts:     repository.NewInMemoryContractRepository(log),
		products:      repository.NewInMemoryProductRepository(log),
		gateway:       newFakeGateway(),
		publisher:     &collectingPublisher{},
	}

	env.service = NewSubscriptionService(
		env.subscriptions, env.payments, env.contracts, env.products,
		env.gateway, env.publisher, metrics.NoopBillingMetrics{}, log)

	return env
}

func (env *billingEnv) seedContract(userID uuid.UUID) domain.PaymentMethod {
	contract, _ := env.contracts.Create(context.Background(), domain.PaymentMethod{
		ID:                uuid.New(),
		UserID:            userID,
		ContractType:      domain.ContractTypeDirectDebit,
		ContractStatus:    domain.ContractStatusActive,
		ContractSignature: "sig-abc",
		IsPrimary:         true,
		IsActive:          true,
		ExpireAt:          time.Now().AddDate(1, 0, 0),
	})
	return contract
}

func (env *billingEnv) seedProduct(price int64) domain.Product {
	product, _ := env.products.Create(context.Background(), domain.Product{
		ID:            uuid.New(),
		Name:          "plan",
		Price:         price,
		BillingPeriod: domain.BillingPeriodMonthly,
		Active:        true,
	})
	return product
}

func (env *billingEnv) scheduler(cfg SchedulerConfig) *BillingScheduler {
	return NewBillingScheduler(
		env.subscriptions, env.payments, env.contracts,
		env.service, env.publisher, metrics.NoopBillingMetrics{}, cfg, testLogger())
}
