package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// SubscriptionRepository интерфейс репозитория подписок
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error)
	GetActiveByUserAndProduct(ctx context.Context, userID, productID uuid.UUID) (domain.Subscription, error)
	GetDueForBilling(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
	Create(ctx context.Context, subscription domain.Subscription) (domain.Subscription, error)
	Update(ctx context.Context, subscription domain.Subscription) error
}

const subscriptionColumns = `
	id, user_id, product_id, status, billing_period, current_price,
	start_date, end_date, next_billing_date, direct_debit_contract_id,
	metadata, created_at, updated_at
`

// PostgresSubscriptionRepository реализация репозитория подписок через PostgreSQL
type PostgresSubscriptionRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresSubscriptionRepository создает новый репозиторий подписок через PostgreSQL
func NewPostgresSubscriptionRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{
		db:  db,
		log: log,
	}
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var s domain.Subscription
	var metadataBytes []byte

	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ProductID,
		&s.Status,
		&s.BillingPeriod,
		&s.CurrentPrice,
		&s.StartDate,
		&s.EndDate,
		&s.NextBillingDate,
		&s.DirectDebitContractID,
		&metadataBytes,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, err
	}

	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &s.Metadata); err != nil {
			return domain.Subscription{}, fmt.Errorf("failed to unmarshal subscription metadata: %w", err)
		}
	}

	return s, nil
}

// GetByID возвращает подписку по ID
func (r *PostgresSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	s, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}

	return s, nil
}

// GetByUserID возвращает подписки пользователя
func (r *PostgresSubscriptionRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subscriptions []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subscriptions, nil
}

// GetActiveByUserAndProduct возвращает активную подписку пары (пользователь, продукт)
func (r *PostgresSubscriptionRepository) GetActiveByUserAndProduct(ctx context.Context, userID, productID uuid.UUID) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND product_id = $2 AND status = 'active'
		LIMIT 1`

	s, err := scanSubscription(r.db.QueryRow(ctx, query, userID, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to get active subscription: %w", err)
	}

	return s, nil
}

// GetDueForBilling возвращает месячные подписки с наступившей датой списания.
// Включает pending-подписки: их первичное списание не прошло и повторяется
// тем же планировщиком.
func (r *PostgresSubscriptionRepository) GetDueForBilling(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('active', 'pending')
		  AND billing_period = 'monthly'
		  AND next_billing_date IS NOT NULL
		  AND next_billing_date <= $1
		  AND end_date IS NULL
		ORDER BY next_billing_date
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	defer rows.Close()

	var subscriptions []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due subscriptions: %w", err)
	}

	return subscriptions, nil
}

// Create создает новую подписку
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, subscription domain.Subscription) (domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at
	`

	metadataBytes, err := json.Marshal(subscription.Metadata)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("failed to marshal subscription metadata: %w", err)
	}

	err = r.db.QueryRow(
		ctx,
		query,
		subscription.ID,
		subscription.UserID,
		subscription.ProductID,
		subscription.Status,
		subscription.BillingPeriod,
		subscription.CurrentPrice,
		subscription.StartDate,
		subscription.EndDate,
		subscription.NextBillingDate,
		subscription.DirectDebitContractID,
		metadataBytes,
		time.Now(),
		time.Now(),
	).Scan(
		&subscription.ID,
		&subscription.CreatedAt,
		&subscription.UpdatedAt,
	)

	if err != nil {
		return domain.Subscription{}, fmt.Errorf("failed to create subscription: %w", err)
	}

	return subscription, nil
}

// Update обновляет существующую подписку
func (r *PostgresSubscriptionRepository) Update(ctx context.Context, subscription domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET
			status = $1,
			billing_period = $2,
			current_price = $3,
			product_id = $4,
			end_date = $5,
			next_billing_date = $6,
			direct_debit_contract_id = $7,
			metadata = $8,
			updated_at = $9
		WHERE id = $10
	`

	metadataBytes, err := json.Marshal(subscription.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription metadata: %w", err)
	}

	result, err := r.db.Exec(
		ctx,
		query,
		subscription.Status,
		subscription.BillingPeriod,
		subscription.CurrentPrice,
		subscription.ProductID,
		subscription.EndDate,
		subscription.NextBillingDate,
		subscription.DirectDebitContractID,
		metadataBytes,
		time.Now(),
		subscription.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// InMemorySubscriptionRepository реализация репозитория подписок в памяти
type InMemorySubscriptionRepository struct {
	subscriptions map[uuid.UUID]domain.Subscription
	mutex         sync.RWMutex
	log           *logger.Logger
}

// NewInMemorySubscriptionRepository создает новый репозиторий подписок в памяти
func NewInMemorySubscriptionRepository(log *logger.Logger) *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subscriptions: make(map[uuid.UUID]domain.Subscription),
		log:           log,
	}
}

// GetByID возвращает подписку по ID
func (r *InMemorySubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	subscription, exists := r.subscriptions[id]
	if !exists {
		return domain.Subscription{}, ErrNotFound
	}

	return subscription, nil
}

// GetByUserID возвращает подписки пользователя
func (r *InMemorySubscriptionRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var subscriptions []domain.Subscription
	for _, subscription := range r.subscriptions {
		if subscription.UserID == userID {
			subscriptions = append(subscriptions, subscription)
		}
	}

	return subscriptions, nil
}

// GetActiveByUserAndProduct возвращает активную подписку пары (пользователь, продукт)
func (r *InMemorySubscriptionRepository) GetActiveByUserAndProduct(ctx context.Context, userID, productID uuid.UUID) (domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, subscription := range r.subscriptions {
		if subscription.UserID == userID &&
			subscription.ProductID == productID &&
			subscription.Status == domain.SubscriptionStatusActive {
			return subscription, nil
		}
	}

	return domain.Subscription{}, ErrNotFound
}

// GetDueForBilling возвращает месячные подписки с наступившей датой списания,
// включая pending-подписки с неоплаченным первичным списанием
func (r *InMemorySubscriptionRepository) GetDueForBilling(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var due []domain.Subscription
	for _, s := range r.subscriptions {
		if (s.Status != domain.SubscriptionStatusActive && s.Status != domain.SubscriptionStatusPending) ||
			s.BillingPeriod != domain.BillingPeriodMonthly ||
			s.NextBillingDate == nil ||
			s.NextBillingDate.After(now) ||
			s.EndDate != nil {
			continue
		}
		due = append(due, s)
		if len(due) >= limit {
			break
		}
	}

	return due, nil
}

// Create создает новую подписку
func (r *InMemorySubscriptionRepository) Create(ctx context.Context, subscription domain.Subscription) (domain.Subscription, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	subscription.CreatedAt = time.Now()
	subscription.UpdatedAt = time.Now()

	r.subscriptions[subscription.ID] = subscription

	return subscription, nil
}

// Update обновляет существующую подписку
func (r *InMemorySubscriptionRepository) Update(ctx context.Context, subscription domain.Subscription) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, exists := r.subscriptions[subscription.ID]
	if !exists {
		return ErrNotFound
	}

	subscription.UpdatedAt = time.Now()
	r.subscriptions[subscription.ID] = subscription

	return nil
}
