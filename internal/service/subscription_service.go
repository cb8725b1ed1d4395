package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/events"
	"github.com/paydar-io/billing-engine/internal/metrics"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// SubscriptionService интерфейс сервиса подписок
type SubscriptionService interface {
	Subscribe(ctx context.Context, req domain.SubscribeRequest) (domain.Subscription, error)
	GetByID(ctx context.Context, id string) (domain.Subscription, error)
	GetUserSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error)
	Cancel(ctx context.Context, id string) error
	Resubscribe(ctx context.Context, id string) (domain.Subscription, error)
	ChangePlan(ctx context.Context, id string, req domain.PlanChangeRequest) (domain.Subscription, error)
	ActivateFromPayment(ctx context.Context, payment domain.Payment) error

	// ExecuteCharge используется планировщиком для проведения очередного
	// или повторного списания по уже существующему платежу
	ExecuteCharge(ctx context.Context, subscription *domain.Subscription, payment *domain.Payment, contract domain.PaymentMethod) error
}

type subscriptionService struct {
	subscriptions repository.SubscriptionRepository
	payments      repository.PaymentRepository
	contracts     repository.ContractRepository
	products      repository.ProductRepository
	gateway       GatewayClient
	publisher     events.Publisher
	metrics       metrics.BillingMetrics
	log           *logger.Logger

	now func() time.Time
}

// NewSubscriptionService создает новый сервис подписок
func NewSubscriptionService(
	subscriptions repository.SubscriptionRepository,
	payments repository.PaymentRepository,
	contracts repository.ContractRepository,
	products repository.ProductRepository,
	gateway GatewayClient,
	publisher events.Publisher,
	billingMetrics metrics.BillingMetrics,
	log *logger.Logger,
) SubscriptionService {
	return &subscriptionService{
		subscriptions: subscriptions,
		payments:      payments,
		contracts:     contracts,
		products:      products,
		gateway:       gateway,
		publisher:     publisher,
		metrics:       billingMetrics,
		log:           log,
		now:           time.Now,
	}
}

// Subscribe оформляет подписку и сразу пытается провести первичное списание.
// Неуспех списания не отменяет оформление: подписка остается pending,
// платеж уходит в расписание повторов.
func (s *subscriptionService) Subscribe(ctx context.Context, req domain.SubscribeRequest) (domain.Subscription, error) {
	s.log.Debug("Subscribing user %s to product %s", req.UserID, req.ProductID)

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.log.Warn("Invalid UUID format for user ID: %s", req.UserID)
		return domain.Subscription{}, repository.ErrInvalidData
	}

	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		s.log.Warn("Invalid UUID format for product ID: %s", req.ProductID)
		return domain.Subscription{}, repository.ErrInvalidData
	}

	// Две живые подписки на один продукт не допускаются
	_, err = s.subscriptions.GetActiveByUserAndProduct(ctx, userID, productID)
	if err == nil {
		return domain.Subscription{}, domain.ErrSubscriptionConflict
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Subscription{}, err
	}

	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !product.Active {
		return domain.Subscription{}, domain.ErrInvalidOperation
	}

	contract, err := s.primaryContract(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}

	now := s.now()
	subscription := domain.Subscription{
		ID:                    uuid.New(),
		UserID:                userID,
		ProductID:             productID,
		Status:                domain.SubscriptionStatusPending,
		BillingPeriod:         product.BillingPeriod,
		CurrentPrice:          product.Price,
		StartDate:             now,
		NextBillingDate:       &now,
		DirectDebitContractID: &contract.ID,
	}

	subscription, err = s.subscriptions.Create(ctx, subscription)
	if err != nil {
		return domain.Subscription{}, err
	}

	payment := domain.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: &subscription.ID,
		ProductID:      productID,
		Amount:         product.Price,
		Status:         domain.PaymentStatusPending,
		Kind:           domain.PaymentKindInitial,
		MaxRetries:     domain.DefaultMaxRetries,
	}

	payment, err = s.payments.Create(ctx, payment)
	if err != nil {
		return domain.Subscription{}, err
	}

	if err := s.ExecuteCharge(ctx, &subscription, &payment, contract); err != nil {
		s.log.Warnw("Initial charge failed, subscription stays pending",
			"subscription_id", subscription.ID, "error", err)
	}

	return subscription, nil
}

// primaryContract возвращает контракт для списаний: основной, либо
// единственный активный
func (s *subscriptionService) primaryContract(ctx context.Context, userID uuid.UUID) (domain.PaymentMethod, error) {
	contracts, err := s.contracts.GetActiveByUser(ctx, userID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}

	for _, c := range contracts {
		if c.IsPrimary && c.ContractStatus == domain.ContractStatusActive {
			return c, nil
		}
	}
	for _, c := range contracts {
		if c.ContractStatus == domain.ContractStatusActive {
			return c, nil
		}
	}

	return domain.PaymentMethod{}, domain.ErrContractNotActive
}

// ExecuteCharge проводит одно списание по подписке и применяет его итог:
// успех активирует подписку и сдвигает дату списания, неуспех переводит
// платеж в failed с назначенным временем повтора.
func (s *subscriptionService) ExecuteCharge(ctx context.Context, subscription *domain.Subscription, payment *domain.Payment, contract domain.PaymentMethod) error {
	if contract.ContractSignature == "" || contract.ContractStatus != domain.ContractStatusActive {
		return domain.ErrContractNotActive
	}

	now := s.now()
	result, err := s.gateway.Charge(ctx, contract.ContractSignature, payment.Amount,
		chargeDescription(payment.Kind), map[string]string{
			"subscription_id": subscription.ID.String(),
			"payment_id":      payment.ID.String(),
		})

	if result != nil && result.Authority != "" {
		payment.Authority = result.Authority
	}

	if err != nil {
		s.applyChargeFailure(ctx, subscription, payment, err, now)
		return err
	}

	return s.applyChargeSuccess(ctx, subscription, payment, result.RefID, now)
}

// applyChargeSuccess фиксирует успешное списание и активирует подписку
func (s *subscriptionService) applyChargeSuccess(ctx context.Context, subscription *domain.Subscription, payment *domain.Payment, refID string, now time.Time) error {
	payment.Status = domain.PaymentStatusCompleted
	payment.RefID = refID
	payment.PaidAt = &now
	payment.FailureReason = ""
	payment.NextRetryAt = nil

	if err := s.payments.Update(ctx, *payment); err != nil {
		return err
	}

	subscription.Metadata.ConsecutiveFailures = 0
	subscription.Metadata.LastFailureAt = nil

	wasPending := subscription.Status == domain.SubscriptionStatusPending
	subscription.Status = domain.SubscriptionStatusActive

	if subscription.BillingPeriod == domain.BillingPeriodMonthly {
		next := now.AddDate(0, 0, domain.BillingPeriodDays)
		subscription.NextBillingDate = &next
	} else {
		subscription.NextBillingDate = nil
	}

	if err := s.subscriptions.Update(ctx, *subscription); err != nil {
		return err
	}

	s.metrics.IncChargeAttempt(string(payment.Kind), "completed")
	s.metrics.ObserveChargeAmount(payment.Amount, "completed")

	s.publishPaymentEvent(ctx, domain.BillingEventPaymentCompleted, *payment)
	if wasPending {
		s.metrics.IncSubscriptionTransition(string(domain.SubscriptionStatusActive))
		s.publishSubscriptionEvent(ctx, domain.BillingEventSubscriptionActivated, *subscription)
	}

	s.log.Infow("Charge completed",
		"payment_id", payment.ID, "subscription_id", subscription.ID, "ref_id", refID)

	return nil
}

// applyChargeFailure переводит платеж в failed и планирует повтор
func (s *subscriptionService) applyChargeFailure(ctx context.Context, subscription *domain.Subscription, payment *domain.Payment, chargeErr error, now time.Time) {
	payment.Status = domain.PaymentStatusFailed
	payment.FailureReason = chargeErr.Error()
	payment.FailedAt = &now

	if !payment.RetryExhausted() {
		nextRetry := now.Add(RetryBackoff(payment.RetryCount + 1))
		payment.NextRetryAt = &nextRetry
	} else {
		payment.NextRetryAt = nil
	}

	if err := s.payments.Update(ctx, *payment); err != nil {
		s.log.Errorw("Failed to persist failed payment", "payment_id", payment.ID, "error", err)
	}

	subscription.Metadata.ConsecutiveFailures++
	subscription.Metadata.LastFailureAt = &now
	if err := s.subscriptions.Update(ctx, *subscription); err != nil {
		s.log.Errorw("Failed to persist subscription failure counter",
			"subscription_id", subscription.ID, "error", err)
	}

	s.metrics.IncChargeAttempt(string(payment.Kind), "failed")
	s.metrics.ObserveChargeAmount(payment.Amount, "failed")
	s.publishPaymentEvent(ctx, domain.BillingEventPaymentFailed, *payment)
}

// GetByID возвращает подписку по ID
func (s *subscriptionService) GetByID(ctx context.Context, id string) (domain.Subscription, error) {
	subscriptionID, err := uuid.Parse(id)
	if err != nil {
		s.log.Warn("Invalid UUID format: %s", id)
		return domain.Subscription{}, repository.ErrInvalidData
	}

	return s.subscriptions.GetByID(ctx, subscriptionID)
}

// GetUserSubscriptions возвращает подписки пользователя
func (s *subscriptionService) GetUserSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		s.log.Warn("Invalid UUID format for user ID: %s", userID)
		return nil, repository.ErrInvalidData
	}

	return s.subscriptions.GetByUserID(ctx, uid)
}

// Cancel отменяет подписку. Контракт не трогается: им могут
// пользоваться другие подписки.
func (s *subscriptionService) Cancel(ctx context.Context, id string) error {
	subscriptionID, err := uuid.Parse(id)
	if err != nil {
		s.log.Warn("Invalid UUID format: %s", id)
		return repository.ErrInvalidData
	}

	subscription, err := s.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	if subscription.IsTerminal() {
		return domain.ErrInvalidOperation
	}

	now := s.now()
	subscription.Status = domain.SubscriptionStatusCanceled
	subscription.EndDate = &now
	subscription.NextBillingDate = nil

	if err := s.subscriptions.Update(ctx, subscription); err != nil {
		return err
	}

	s.metrics.IncSubscriptionTransition(string(domain.SubscriptionStatusCanceled))
	s.publishSubscriptionEvent(ctx, domain.BillingEventSubscriptionCanceled, subscription)
	s.log.Infow("Subscription canceled", "subscription_id", subscription.ID)

	return nil
}

// Resubscribe оформляет новую подписку на тот же продукт после отмены
// или истечения. Старая запись не реанимируется, цена берется текущая.
func (s *subscriptionService) Resubscribe(ctx context.Context, id string) (domain.Subscription, error) {
	subscriptionID, err := uuid.Parse(id)
	if err != nil {
		s.log.Warn("Invalid UUID format: %s", id)
		return domain.Subscription{}, repository.ErrInvalidData
	}

	previous, err := s.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return domain.Subscription{}, err
	}

	if !previous.IsTerminal() {
		return domain.Subscription{}, domain.ErrInvalidOperation
	}

	subscription, err := s.Subscribe(ctx, domain.SubscribeRequest{
		UserID:    previous.UserID.String(),
		ProductID: previous.ProductID.String(),
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	subscription.Metadata.ResubscribedFrom = &previous.ID
	if err := s.subscriptions.Update(ctx, subscription); err != nil {
		s.log.Warnw("Failed to link resubscription to previous",
			"subscription_id", subscription.ID, "previous_id", previous.ID, "error", err)
	}

	return subscription, nil
}

// ChangePlan меняет тариф подписки. Немедленный апгрейд требует
// пропорциональной доплаты и применяется только после ее успеха;
// отложенная смена фиксируется в метаданных и применяется планировщиком.
func (s *subscriptionService) ChangePlan(ctx context.Context, id string, req domain.PlanChangeRequest) (domain.Subscription, error) {
	subscriptionID, err := uuid.Parse(id)
	if err != nil {
		s.log.Warn("Invalid UUID format: %s", id)
		return domain.Subscription{}, repository.ErrInvalidData
	}

	newProductID, err := uuid.Parse(req.NewProductID)
	if err != nil {
		s.log.Warn("Invalid UUID format for product ID: %s", req.NewProductID)
		return domain.Subscription{}, repository.ErrInvalidData
	}

	subscription, err := s.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return domain.Subscription{}, err
	}

	if subscription.Status != domain.SubscriptionStatusActive {
		return domain.Subscription{}, domain.ErrInvalidOperation
	}
	if subscription.ProductID == newProductID {
		return domain.Subscription{}, domain.ErrInvalidOperation
	}

	newProduct, err := s.products.GetByID(ctx, newProductID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !newProduct.Active || newProduct.BillingPeriod != subscription.BillingPeriod {
		return domain.Subscription{}, domain.ErrInvalidOperation
	}

	now := s.now()
	change := domain.PlanChange{
		FromProductID: subscription.ProductID,
		ToProductID:   newProductID,
		FromPrice:     subscription.CurrentPrice,
		ToPrice:       newProduct.Price,
		ChangedAt:     now,
		EffectiveDate: string(req.EffectiveDate),
	}

	if req.EffectiveDate == domain.EffectiveNextCycle {
		subscription.Metadata.PendingPlan = &change
		if err := s.subscriptions.Update(ctx, subscription); err != nil {
			return domain.Subscription{}, err
		}

		s.log.Infow("Plan change scheduled for next cycle",
			"subscription_id", subscription.ID, "new_product_id", newProductID)
		return subscription, nil
	}

	var nextBilling time.Time
	if subscription.NextBillingDate != nil {
		nextBilling = *subscription.NextBillingDate
	}

	amount := ProrationAmount(subscription.CurrentPrice, newProduct.Price, now, nextBilling)
	if amount > 0 {
		contract, err := s.primaryContract(ctx, subscription.UserID)
		if err != nil {
			return domain.Subscription{}, err
		}

		payment := domain.Payment{
			ID:             uuid.New(),
			UserID:         subscription.UserID,
			SubscriptionID: &subscription.ID,
			ProductID:      newProductID,
			Amount:         amount,
			Status:         domain.PaymentStatusPending,
			Kind:           domain.PaymentKindProration,
			MaxRetries:     0, // доплата не повторяется, неуспех отклоняет смену тарифа
		}

		payment, err = s.payments.Create(ctx, payment)
		if err != nil {
			return domain.Subscription{}, err
		}

		result, err := s.gateway.Charge(ctx, contract.ContractSignature, amount,
			chargeDescription(domain.PaymentKindProration), map[string]string{
				"subscription_id": subscription.ID.String(),
				"payment_id":      payment.ID.String(),
			})
		if err != nil {
			payment.Status = domain.PaymentStatusFailed
			payment.FailureReason = err.Error()
			payment.FailedAt = &now
			if updErr := s.payments.Update(ctx, payment); updErr != nil {
				s.log.Errorw("Failed to persist proration failure", "payment_id", payment.ID, "error", updErr)
			}

			s.metrics.IncChargeAttempt(string(domain.PaymentKindProration), "failed")
			s.log.Warnw("Proration charge failed, plan change rejected",
				"subscription_id", subscription.ID, "error", err)
			return domain.Subscription{}, err
		}

		payment.Status = domain.PaymentStatusCompleted
		payment.Authority = result.Authority
		payment.RefID = result.RefID
		payment.PaidAt = &now
		if err := s.payments.Update(ctx, payment); err != nil {
			return domain.Subscription{}, err
		}

		s.metrics.IncChargeAttempt(string(domain.PaymentKindProration), "completed")
		s.publishPaymentEvent(ctx, domain.BillingEventPaymentCompleted, payment)
	}

	subscription.ProductID = newProductID
	subscription.CurrentPrice = newProduct.Price
	subscription.Metadata.PlanChanges = append(subscription.Metadata.PlanChanges, change)

	if err := s.subscriptions.Update(ctx, subscription); err != nil {
		return domain.Subscription{}, err
	}

	s.publishSubscriptionEvent(ctx, domain.BillingEventSubscriptionPlanChanged, subscription)
	s.log.Infow("Plan changed",
		"subscription_id", subscription.ID, "new_product_id", newProductID, "proration", amount)

	return subscription, nil
}

// ActivateFromPayment применяет подтвержденный извне платеж: используется
// сверкой вебхуков, когда успех списания узнается не из синхронного ответа
func (s *subscriptionService) ActivateFromPayment(ctx context.Context, payment domain.Payment) error {
	if payment.SubscriptionID == nil {
		return nil
	}

	subscription, err := s.subscriptions.GetByID(ctx, *payment.SubscriptionID)
	if err != nil {
		return err
	}

	if subscription.IsTerminal() {
		s.log.Warnw("Confirmed payment for terminal subscription",
			"subscription_id", subscription.ID, "payment_id", payment.ID)
		return nil
	}

	return s.applyChargeSuccess(ctx, &subscription, &payment, payment.RefID, s.now())
}

func (s *subscriptionService) publishSubscriptionEvent(ctx context.Context, eventType domain.BillingEventType, subscription domain.Subscription) {
	event := domain.NewBillingEvent(eventType, map[string]interface{}{
		"subscription_id": subscription.ID.String(),
		"user_id":         subscription.UserID.String(),
		"product_id":      subscription.ProductID.String(),
		"status":          string(subscription.Status),
		"current_price":   subscription.CurrentPrice,
	})

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warnw("Failed to publish subscription event", "error", err, "type", eventType)
	}
}

func (s *subscriptionService) publishPaymentEvent(ctx context.Context, eventType domain.BillingEventType, payment domain.Payment) {
	data := map[string]interface{}{
		"payment_id": payment.ID.String(),
		"user_id":    payment.UserID.String(),
		"amount":     payment.Amount,
		"kind":       string(payment.Kind),
		"status":     string(payment.Status),
	}
	if payment.SubscriptionID != nil {
		data["subscription_id"] = payment.SubscriptionID.String()
	}
	if payment.RefID != "" {
		data["ref_id"] = payment.RefID
	}
	if payment.FailureReason != "" {
		data["failure_reason"] = payment.FailureReason
	}

	event := domain.NewBillingEvent(eventType, data)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warnw("Failed to publish payment event", "error", err, "type", eventType)
	}
}

func chargeDescription(kind domain.PaymentKind) string {
	switch kind {
	case domain.PaymentKindInitial:
		return "subscription initial charge"
	case domain.PaymentKindRecurring:
		return "subscription renewal"
	case domain.PaymentKindProration:
		return "plan upgrade proration"
	default:
		return "subscription charge"
	}
}
