package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// PaymentRepository интерфейс репозитория платежей
type PaymentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	GetByAuthority(ctx context.Context, authority string) (domain.Payment, error)
	GetPendingBySubscription(ctx context.Context, subscriptionID uuid.UUID) (domain.Payment, error)
	GetLatestFailedBySubscription(ctx context.Context, subscriptionID uuid.UUID) (domain.Payment, error)
	Create(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	Update(ctx context.Context, payment domain.Payment) error
}

const paymentColumns = `
	id, user_id, subscription_id, product_id, amount, status, kind,
	authority, ref_id, failure_reason, retry_count, max_retries,
	next_retry_at, paid_at, failed_at, created_at, updated_at
`

// PostgresPaymentRepository реализация репозитория платежей через PostgreSQL
type PostgresPaymentRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresPaymentRepository создает новый репозиторий платежей через PostgreSQL
func NewPostgresPaymentRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{
		db:  db,
		log: log,
	}
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.SubscriptionID,
		&p.ProductID,
		&p.Amount,
		&p.Status,
		&p.Kind,
		&p.Authority,
		&p.RefID,
		&p.FailureReason,
		&p.RetryCount,
		&p.MaxRetries,
		&p.NextRetryAt,
		&p.PaidAt,
		&p.FailedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// GetByID возвращает платеж по ID
func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	p, err := scanPayment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, ErrNotFound
		}
		return domain.Payment{}, fmt.Errorf("failed to get payment: %w", err)
	}

	return p, nil
}

// GetByAuthority возвращает платеж по authority шлюза
func (r *PostgresPaymentRepository) GetByAuthority(ctx context.Context, authority string) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE authority = $1`

	p, err := scanPayment(r.db.QueryRow(ctx, query, authority))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, ErrNotFound
		}
		return domain.Payment{}, fmt.Errorf("failed to get payment by authority: %w", err)
	}

	return p, nil
}

// GetPendingBySubscription возвращает pending-платеж подписки, если он есть
func (r *PostgresPaymentRepository) GetPendingBySubscription(ctx context.Context, subscriptionID uuid.UUID) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE subscription_id = $1 AND status = 'pending'
		LIMIT 1`

	p, err := scanPayment(r.db.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, ErrNotFound
		}
		return domain.Payment{}, fmt.Errorf("failed to get pending payment: %w", err)
	}

	return p, nil
}

// GetLatestFailedBySubscription возвращает последний неудачный платеж
// подписки, подлежащий повтору. Proration-доплаты не повторяются и сюда
// не попадают: отклоненная доплата не должна расходовать бюджет повторов
// регулярных списаний.
func (r *PostgresPaymentRepository) GetLatestFailedBySubscription(ctx context.Context, subscriptionID uuid.UUID) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE subscription_id = $1 AND status = 'failed' AND kind <> 'proration'
		ORDER BY failed_at DESC NULLS LAST
		LIMIT 1`

	p, err := scanPayment(r.db.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, ErrNotFound
		}
		return domain.Payment{}, fmt.Errorf("failed to get latest failed payment: %w", err)
	}

	return p, nil
}

// Create создает новый платеж. Частичный уникальный индекс по
// (subscription_id) WHERE status = 'pending' превращает гонку двух
// параллельных попыток списания в ErrConcurrencyConflict.
func (r *PostgresPaymentRepository) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		payment.ID,
		payment.UserID,
		payment.SubscriptionID,
		payment.ProductID,
		payment.Amount,
		payment.Status,
		payment.Kind,
		payment.Authority,
		payment.RefID,
		payment.FailureReason,
		payment.RetryCount,
		payment.MaxRetries,
		payment.NextRetryAt,
		payment.PaidAt,
		payment.FailedAt,
		time.Now(),
		time.Now(),
	).Scan(
		&payment.ID,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Payment{}, ErrConcurrencyConflict
		}
		return domain.Payment{}, fmt.Errorf("failed to create payment: %w", err)
	}

	return payment, nil
}

// Update обновляет существующий платеж. Завершенный платеж неизменяем.
func (r *PostgresPaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	query := `
		UPDATE payments
		SET
			status = $1,
			authority = $2,
			ref_id = $3,
			failure_reason = $4,
			retry_count = $5,
			next_retry_at = $6,
			paid_at = $7,
			failed_at = $8,
			updated_at = $9
		WHERE id = $10 AND status != 'completed'
	`

	result, err := r.db.Exec(
		ctx,
		query,
		payment.Status,
		payment.Authority,
		payment.RefID,
		payment.FailureReason,
		payment.RetryCount,
		payment.NextRetryAt,
		payment.PaidAt,
		payment.FailedAt,
		time.Now(),
		payment.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// InMemoryPaymentRepository реализация репозитория платежей в памяти
type InMemoryPaymentRepository struct {
	payments map[uuid.UUID]domain.Payment
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryPaymentRepository создает новый репозиторий платежей в памяти
func NewInMemoryPaymentRepository(log *logger.Logger) *InMemoryPaymentRepository {
	return &InMemoryPaymentRepository{
		payments: make(map[uuid.UUID]domain.Payment),
		log:      log,
	}
}

// GetByID возвращает платеж по ID
func (r *InMemoryPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	payment, exists := r.payments[id]
	if !exists {
		return domain.Payment{}, ErrNotFound
	}

	return payment, nil
}

// GetByAuthority возвращает платеж по authority шлюза
func (r *InMemoryPaymentRepository) GetByAuthority(ctx context.Context, authority string) (domain.Payment, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, payment := range r.payments {
		if payment.Authority == authority && authority != "" {
			return payment, nil
		}
	}

	return domain.Payment{}, ErrNotFound
}

// GetPendingBySubscription возвращает pending-платеж подписки, если он есть
func (r *InMemoryPaymentRepository) GetPendingBySubscription(ctx context.Context, subscriptionID uuid.UUID) (domain.Payment, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, payment := range r.payments {
		if payment.SubscriptionID != nil &&
			*payment.SubscriptionID == subscriptionID &&
			payment.Status == domain.PaymentStatusPending {
			return payment, nil
		}
	}

	return domain.Payment{}, ErrNotFound
}

// GetLatestFailedBySubscription возвращает последний неудачный платеж
// подписки, подлежащий повтору. Proration-доплаты не учитываются.
func (r *InMemoryPaymentRepository) GetLatestFailedBySubscription(ctx context.Context, subscriptionID uuid.UUID) (domain.Payment, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var latest domain.Payment
	found := false
	for _, payment := range r.payments {
		if payment.SubscriptionID == nil ||
			*payment.SubscriptionID != subscriptionID ||
			payment.Status != domain.PaymentStatusFailed ||
			payment.Kind == domain.PaymentKindProration {
			continue
		}
		if !found || (payment.FailedAt != nil && latest.FailedAt != nil && payment.FailedAt.After(*latest.FailedAt)) {
			latest = payment
			found = true
		}
	}

	if !found {
		return domain.Payment{}, ErrNotFound
	}

	return latest, nil
}

// Create создает новый платеж; эмулирует уникальный индекс pending-платежей
func (r *InMemoryPaymentRepository) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if payment.Status == domain.PaymentStatusPending && payment.SubscriptionID != nil {
		for _, existing := range r.payments {
			if existing.SubscriptionID != nil &&
				*existing.SubscriptionID == *payment.SubscriptionID &&
				existing.Status == domain.PaymentStatusPending {
				return domain.Payment{}, ErrConcurrencyConflict
			}
		}
	}

	payment.CreatedAt = time.Now()
	payment.UpdatedAt = time.Now()

	r.payments[payment.ID] = payment

	return payment, nil
}

// Update обновляет существующий платеж. Завершенный платеж неизменяем.
func (r *InMemoryPaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.payments[payment.ID]
	if !exists {
		return ErrNotFound
	}

	if existing.Status == domain.PaymentStatusCompleted {
		return ErrInvalidOperation
	}

	payment.UpdatedAt = time.Now()
	r.payments[payment.ID] = payment

	return nil
}
