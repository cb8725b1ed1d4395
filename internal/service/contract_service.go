package service

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/events"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// mobilePattern формат иранского мобильного номера
var mobilePattern = regexp.MustCompile(`^09\d{9}$`)

// ContractService интерфейс сервиса дебетовых контрактов
type ContractService interface {
	InitiateContract(ctx context.Context, req domain.ContractRequest) (domain.ContractInitiation, error)
	VerifyContract(ctx context.Context, req domain.ContractVerifyRequest) (domain.ContractVerifyResult, error)
	GetUserContracts(ctx context.Context, userID string) ([]domain.PaymentMethod, error)
	CancelContract(ctx context.Context, contractID string) error
}

type contractService struct {
	contracts repository.ContractRepository
	gateway   GatewayClient
	cache     BankCache
	publisher events.Publisher
	log       *logger.Logger
}

// NewContractService создает новый сервис дебетовых контрактов
func NewContractService(
	contracts repository.ContractRepository,
	gateway GatewayClient,
	cache BankCache,
	publisher events.Publisher,
	log *logger.Logger,
) ContractService {
	return &contractService{
		contracts: contracts,
		gateway:   gateway,
		cache:     cache,
		publisher: publisher,
		log:       log,
	}
}

// InitiateContract начинает оформление контракта: запрашивает authority
// у шлюза, сохраняет pending-запись и возвращает список банков с URL подписания
func (s *contractService) InitiateContract(ctx context.Context, req domain.ContractRequest) (domain.ContractInitiation, error) {
	s.log.Debug("Initiating direct debit contract for user: %s", req.UserID)

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.log.Warn("Invalid UUID format for user ID: %s", req.UserID)
		return domain.ContractInitiation{}, repository.ErrInvalidData
	}

	// Формат номера проверяется до похода в шлюз
	if !mobilePattern.MatchString(req.Mobile) {
		return domain.ContractInitiation{}, domain.ErrInvalidMobileFormat
	}

	expireAt := time.Now().AddDate(0, 0, req.DurationDays)

	result, err := s.gateway.RequestContract(ctx, req.Mobile, req.SSN, expireAt,
		req.MaxDailyAmount, req.MaxDailyCount, req.MaxMonthlyCount)
	if err != nil {
		s.log.Errorw("Gateway contract request failed", "error", err, "user_id", req.UserID)
		return domain.ContractInitiation{}, err
	}

	banks, err := s.bankList(ctx)
	if err != nil {
		s.log.Errorw("Failed to fetch bank list", "error", err)
		return domain.ContractInitiation{}, err
	}

	contract := domain.PaymentMethod{
		ID:              uuid.New(),
		UserID:          userID,
		ContractType:    domain.ContractTypePending,
		ContractStatus:  domain.ContractStatusPendingSignature,
		PaymanAuthority: result.Authority,
		MaxDailyAmount:  req.MaxDailyAmount,
		MaxDailyCount:   req.MaxDailyCount,
		MaxMonthlyCount: req.MaxMonthlyCount,
		ExpireAt:        expireAt,
	}

	contract, err = s.contracts.Create(ctx, contract)
	if err != nil {
		s.log.Errorw("Failed to persist pending contract", "error", err, "user_id", req.UserID)
		return domain.ContractInitiation{}, err
	}

	s.log.Infow("Contract initiated", "contract_id", contract.ID, "user_id", userID)

	return domain.ContractInitiation{
		PaymentMethodID: contract.ID,
		Authority:       result.Authority,
		Banks:           banks,
		SigningURL:      s.gateway.SigningURL(result.Authority),
	}, nil
}

// bankList возвращает список банков, кеш имеет приоритет над шлюзом
func (s *contractService) bankList(ctx context.Context) ([]domain.Bank, error) {
	if s.cache != nil {
		banks, err := s.cache.GetBankList(ctx)
		if err == nil && len(banks) > 0 {
			return banks, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warnw("Bank list cache read failed", "error", err)
		}
	}

	banks, err := s.gateway.GetBankList(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetBankList(ctx, banks); err != nil {
			s.log.Warnw("Bank list cache write failed", "error", err)
		}
	}

	return banks, nil
}

// VerifyContract обрабатывает callback подписания. Отказ пользователя и
// неуспех верификации возвращаются как исходы, а не ошибки: callback
// шлюза должен получить 200 в обоих случаях.
func (s *contractService) VerifyContract(ctx context.Context, req domain.ContractVerifyRequest) (domain.ContractVerifyResult, error) {
	s.log.Debug("Verifying contract: %s", req.ContractID)

	contractID, err := uuid.Parse(req.ContractID)
	if err != nil {
		s.log.Warn("Invalid UUID format for contract ID: %s", req.ContractID)
		return domain.ContractVerifyResult{}, repository.ErrInvalidData
	}

	contract, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return domain.ContractVerifyResult{}, err
	}

	// Повторный callback по уже подписанному контракту идемпотентен
	if contract.ContractStatus == domain.ContractStatusActive {
		return domain.ContractVerifyResult{
			Outcome:         domain.ContractVerifySigned,
			PaymentMethodID: contract.ID,
		}, nil
	}

	if contract.ContractStatus != domain.ContractStatusPendingSignature {
		return domain.ContractVerifyResult{}, domain.ErrInvalidOperation
	}

	if contract.PaymanAuthority != req.Authority {
		s.log.Warnw("Authority mismatch on contract verify",
			"contract_id", contract.ID, "authority", req.Authority)
		return domain.ContractVerifyResult{}, repository.ErrInvalidData
	}

	if req.UserStatus == "NOK" {
		contract.ContractStatus = domain.ContractStatusCancelledByUser
		if err := s.contracts.Update(ctx, contract); err != nil {
			return domain.ContractVerifyResult{}, err
		}

		s.publishContractEvent(ctx, domain.BillingEventContractCancelled, contract)
		s.log.Infow("Contract signing declined by user", "contract_id", contract.ID)

		return domain.ContractVerifyResult{
			Outcome:         domain.ContractVerifyCancelled,
			PaymentMethodID: contract.ID,
		}, nil
	}

	verify, err := s.gateway.VerifyContract(ctx, req.Authority)
	if err != nil {
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) {
			return s.failVerification(ctx, contract, gwErr.Code, gwErr.Message)
		}
		return domain.ContractVerifyResult{}, err
	}

	if verify.Signature == "" {
		return s.failVerification(ctx, contract, verify.Code, verify.Message)
	}

	// Шлюз мог выдать подпись уже существующего контракта этого пользователя.
	// Тогда pending-запись лишняя: возвращаем существующий контракт.
	existing, err := s.contracts.FindActiveBySignature(ctx, contract.UserID, verify.Signature)
	if err == nil {
		if delErr := s.contracts.Delete(ctx, contract.ID); delErr != nil {
			s.log.Warnw("Failed to delete duplicate pending contract",
				"contract_id", contract.ID, "error", delErr)
		}
		s.log.Infow("Contract signature already registered, reusing existing",
			"contract_id", existing.ID, "duplicate_id", contract.ID)

		return domain.ContractVerifyResult{
			Outcome:         domain.ContractVerifySigned,
			PaymentMethodID: existing.ID,
		}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.ContractVerifyResult{}, err
	}

	active, err := s.contracts.GetActiveByUser(ctx, contract.UserID)
	if err != nil {
		return domain.ContractVerifyResult{}, err
	}

	contract.ContractType = domain.ContractTypeDirectDebit
	contract.ContractStatus = domain.ContractStatusActive
	contract.ContractSignature = verify.Signature
	contract.PaymanAuthority = ""
	contract.IsActive = true
	contract.IsPrimary = len(active) == 0

	if err := s.contracts.Update(ctx, contract); err != nil {
		return domain.ContractVerifyResult{}, err
	}

	s.publishContractEvent(ctx, domain.BillingEventContractActivated, contract)
	s.log.Infow("Contract activated", "contract_id", contract.ID, "user_id", contract.UserID)

	return domain.ContractVerifyResult{
		Outcome:         domain.ContractVerifySigned,
		PaymentMethodID: contract.ID,
		GatewayCode:     verify.Code,
	}, nil
}

// failVerification помечает контракт как непрошедший верификацию
func (s *contractService) failVerification(ctx context.Context, contract domain.PaymentMethod, code int, message string) (domain.ContractVerifyResult, error) {
	contract.ContractStatus = domain.ContractStatusVerificationFailed
	if err := s.contracts.Update(ctx, contract); err != nil {
		return domain.ContractVerifyResult{}, err
	}

	s.log.Warnw("Contract verification failed",
		"contract_id", contract.ID, "gateway_code", code, "gateway_message", message)

	return domain.ContractVerifyResult{
		Outcome:         domain.ContractVerifyFailed,
		PaymentMethodID: contract.ID,
		GatewayCode:     code,
		GatewayMessage:  message,
	}, nil
}

// GetUserContracts возвращает активные контракты пользователя
func (s *contractService) GetUserContracts(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		s.log.Warn("Invalid UUID format for user ID: %s", userID)
		return nil, repository.ErrInvalidData
	}

	return s.contracts.GetActiveByUser(ctx, uid)
}

// CancelContract деактивирует контракт по запросу пользователя
func (s *contractService) CancelContract(ctx context.Context, contractID string) error {
	id, err := uuid.Parse(contractID)
	if err != nil {
		s.log.Warn("Invalid UUID format for contract ID: %s", contractID)
		return repository.ErrInvalidData
	}

	contract, err := s.contracts.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if contract.ContractStatus != domain.ContractStatusActive {
		return domain.ErrInvalidOperation
	}

	wasPrimary := contract.IsPrimary

	contract.ContractStatus = domain.ContractStatusCancelledByUser
	contract.IsActive = false
	contract.IsPrimary = false

	if err := s.contracts.Update(ctx, contract); err != nil {
		return err
	}

	s.publishContractEvent(ctx, domain.BillingEventContractCancelled, contract)
	s.log.Infow("Contract cancelled", "contract_id", contract.ID, "user_id", contract.UserID)

	if wasPrimary {
		s.promoteNextPrimary(ctx, contract.UserID)
	}

	return nil
}

// promoteNextPrimary назначает основным старейший из оставшихся активных
// контрактов пользователя. У пользователя с активными контрактами всегда
// ровно один основной.
func (s *contractService) promoteNextPrimary(ctx context.Context, userID uuid.UUID) {
	active, err := s.contracts.GetActiveByUser(ctx, userID)
	if err != nil {
		s.log.Warnw("Failed to load contracts for primary promotion", "error", err, "user_id", userID)
		return
	}
	if len(active) == 0 {
		return
	}

	next := active[0]
	for _, candidate := range active {
		if candidate.IsPrimary {
			return
		}
		if candidate.CreatedAt.Before(next.CreatedAt) {
			next = candidate
		}
	}

	next.IsPrimary = true
	if err := s.contracts.Update(ctx, next); err != nil {
		s.log.Warnw("Failed to promote contract to primary", "error", err, "contract_id", next.ID)
		return
	}

	s.log.Infow("Contract promoted to primary", "contract_id", next.ID, "user_id", userID)
}

func (s *contractService) publishContractEvent(ctx context.Context, eventType domain.BillingEventType, contract domain.PaymentMethod) {
	event := domain.NewBillingEvent(eventType, map[string]interface{}{
		"contract_id": contract.ID.String(),
		"user_id":     contract.UserID.String(),
		"status":      string(contract.ContractStatus),
	})

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warnw("Failed to publish contract event", "error", err, "type", eventType)
	}
}
