package repository

import (
	"context"
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

// ContractRepository интерфейс репозитория дебетовых контрактов
type ContractRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentMethod, error)
	GetByAuthority(ctx context.Context, authority string) (domain.PaymentMethod, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) ([]domain.PaymentMethod, error)
	FindActiveBySignature(ctx context.Context, userID uuid.UUID, signature string) (domain.PaymentMethod, error)
	Create(ctx context.Context, contract domain.PaymentMethod) (domain.PaymentMethod, error)
	Update(ctx context.Context, contract domain.PaymentMethod) error
	Delete(ctx context.Context, id uuid.UUID) error
}

const contractColumns = `
	id, user_id, contract_type, contract_status, payman_authority,
	contract_signature, max_daily_amount, max_daily_count, max_monthly_count,
	is_primary, is_active, expire_at, created_at, updated_at
`

// PostgresContractRepository реализация репозитория контрактов через PostgreSQL
type PostgresContractRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresContractRepository создает новый репозиторий контрактов через PostgreSQL
func NewPostgresContractRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresContractRepository {
	return &PostgresContractRepository{
		db:  db,
		log: log,
	}
}

func scanContract(row pgx.Row) (domain.PaymentMethod, error) {
	var c domain.PaymentMethod
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ContractType,
		&c.ContractStatus,
		&c.PaymanAuthority,
		&c.ContractSignature,
		&c.MaxDailyAmount,
		&c.MaxDailyCount,
		&c.MaxMonthlyCount,
		&c.IsPrimary,
		&c.IsActive,
		&c.ExpireAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

// GetByID возвращает контракт по ID
func (r *PostgresContractRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentMethod, error) {
	query := `SELECT ` + contractColumns + ` FROM payment_methods WHERE id = $1`

	c, err := scanContract(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentMethod{}, ErrNotFound
		}
		return domain.PaymentMethod{}, fmt.Errorf("failed to get contract: %w", err)
	}

	return c, nil
}

// GetByAuthority возвращает контракт по authority шлюза
func (r *PostgresContractRepository) GetByAuthority(ctx context.Context, authority string) (domain.PaymentMethod, error) {
	query := `SELECT ` + contractColumns + ` FROM payment_methods WHERE payman_authority = $1`

	c, err := scanContract(r.db.QueryRow(ctx, query, authority))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentMethod{}, ErrNotFound
		}
		return domain.PaymentMethod{}, fmt.Errorf("failed to get contract by authority: %w", err)
	}

	return c, nil
}

// GetActiveByUser возвращает активные контракты пользователя
func (r *PostgresContractRepository) GetActiveByUser(ctx context.Context, userID uuid.UUID) ([]domain.PaymentMethod, error) {
	query := `SELECT ` + contractColumns + `
		FROM payment_methods
		WHERE user_id = $1 AND contract_status = 'active' AND is_active = true
		ORDER BY is_primary DESC, created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []domain.PaymentMethod
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contracts: %w", err)
	}

	return contracts, nil
}

// FindActiveBySignature ищет активный контракт пользователя с идентичной подписью
func (r *PostgresContractRepository) FindActiveBySignature(ctx context.Context, userID uuid.UUID, signature string) (domain.PaymentMethod, error) {
	query := `SELECT ` + contractColumns + `
		FROM payment_methods
		WHERE user_id = $1 AND contract_signature = $2 AND contract_status = 'active'
		LIMIT 1`

	c, err := scanContract(r.db.QueryRow(ctx, query, userID, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentMethod{}, ErrNotFound
		}
		return domain.PaymentMethod{}, fmt.Errorf("failed to find contract by signature: %w", err)
	}

	return c, nil
}

// Create создает новый контракт
func (r *PostgresContractRepository) Create(ctx context.Context, contract domain.PaymentMethod) (domain.PaymentMethod, error) {
	query := `
		INSERT INTO payment_methods (` + contractColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		contract.ID,
		contract.UserID,
		contract.ContractType,
		contract.ContractStatus,
		contract.PaymanAuthority,
		contract.ContractSignature,
		contract.MaxDailyAmount,
		contract.MaxDailyCount,
		contract.MaxMonthlyCount,
		contract.IsPrimary,
		contract.IsActive,
		contract.ExpireAt,
		time.Now(),
		time.Now(),
	).Scan(
		&contract.ID,
		&contract.CreatedAt,
		&contract.UpdatedAt,
	)

	if err != nil {
		return domain.PaymentMethod{}, fmt.Errorf("failed to create contract: %w", err)
	}

	return contract, nil
}

// Update обновляет существующий контракт
func (r *PostgresContractRepository) Update(ctx context.Context, contract domain.PaymentMethod) error {
	query := `
		UPDATE payment_methods
		SET
			contract_type = $1,
			contract_status = $2,
			payman_authority = $3,
			contract_signature = $4,
			is_primary = $5,
			is_active = $6,
			updated_at = $7
		WHERE id = $8
	`

	result, err := r.db.Exec(
		ctx,
		query,
		contract.ContractType,
		contract.ContractStatus,
		contract.PaymanAuthority,
		contract.ContractSignature,
		contract.IsPrimary,
		contract.IsActive,
		time.Now(),
		contract.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete удаляет контракт. Используется только для дедупликации pending-записи
// при повторной верификации с уже известной подписью.
func (r *PostgresContractRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM payment_methods WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete contract: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// InMemoryContractRepository реализация репозитория контрактов в памяти
type InMemoryContractRepository struct {
	contracts map[uuid.UUID]domain.PaymentMethod
	mutex     sync.RWMutex
	log       *logger.Logger
}

// NewInMemoryContractRepository создает новый репозиторий контрактов в памяти
func NewInMemoryContractRepository(log *logger.Logger) *InMemoryContractRepository {
	return &InMemoryContractRepository{
		contracts: make(map[uuid.UUID]domain.PaymentMethod),
		log:       log,
	}
}

// GetByID возвращает контракт по ID
func (r *InMemoryContractRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentMethod, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	contract, exists := r.contracts[id]
	if !exists {
		return domain.PaymentMethod{}, ErrNotFound
	}

	return contract, nil
}

// GetByAuthority возвращает контракт по authority шлюза
func (r *InMemoryContractRepository) GetByAuthority(ctx context.Context, authority string) (domain.PaymentMethod, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, contract := range r.contracts {
		if contract.PaymanAuthority == authority && authority != "" {
			return contract, nil
		}
	}

	return domain.PaymentMethod{}, ErrNotFound
}

// GetActiveByUser возвращает активные контракты пользователя
func (r *InMemoryContractRepository) GetActiveByUser(ctx context.Context, userID uuid.UUID) ([]domain.PaymentMethod, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var contracts []domain.PaymentMethod
	for _, contract := range r.contracts {
		if contract.UserID == userID &&
			contract.ContractStatus == domain.ContractStatusActive &&
			contract.IsActive {
			contracts = append(contracts, contract)
		}
	}

	return contracts, nil
}

// FindActiveBySignature ищет активный контракт пользователя с идентичной подписью
func (r *InMemoryContractRepository) FindActiveBySignature(ctx context.Context, userID uuid.UUID, signature string) (domain.PaymentMethod, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, contract := range r.contracts {
		if contract.UserID == userID &&
			contract.ContractSignature == signature &&
			contract.ContractStatus == domain.ContractStatusActive {
			return contract, nil
		}
	}

	return domain.PaymentMethod{}, ErrNotFound
}

// Create создает новый контракт
func (r *InMemoryContractRepository) Create(ctx context.Context, contract domain.PaymentMethod) (domain.PaymentMethod, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	contract.CreatedAt = time.Now()
	contract.UpdatedAt = time.Now()

	r.contracts[contract.ID] = contract

	return contract, nil
}

// Update обновляет существующий контракт
func (r *InMemoryContractRepository) Update(ctx context.Context, contract domain.PaymentMethod) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, exists := r.contracts[contract.ID]
	if !exists {
		return ErrNotFound
	}

	contract.UpdatedAt = time.Now()
	r.contracts[contract.ID] = contract

	return nil
}

// Delete удаляет контракт
func (r *InMemoryContractRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.contracts[id]; !exists {
		return ErrNotFound
	}

	delete(r.contracts, id)

	return nil
}
