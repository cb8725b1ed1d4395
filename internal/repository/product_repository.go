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

// ProductRepository интерфейс репозитория продуктов
type ProductRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Product, error)
	GetAll(ctx context.Context) ([]domain.Product, error)
	Create(ctx context.Context, product domain.Product) (domain.Product, error)
}

// PostgresProductRepository реализация репозитория продуктов через PostgreSQL
type PostgresProductRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresProductRepository создает новый репозиторий продуктов через PostgreSQL
func NewPostgresProductRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresProductRepository {
	return &PostgresProductRepository{
		db:  db,
		log: log,
	}
}

// GetByID возвращает продукт по ID
func (r *PostgresProductRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Product, error) {
	query := `
		SELECT id, name, price, billing_period, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`

	var p domain.Product
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Price,
		&p.BillingPeriod,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, ErrNotFound
		}
		return domain.Product{}, fmt.Errorf("failed to get product: %w", err)
	}

	return p, nil
}

// GetAll возвращает все активные продукты
func (r *PostgresProductRepository) GetAll(ctx context.Context) ([]domain.Product, error) {
	query := `
		SELECT id, name, price, billing_period, active, created_at, updated_at
		FROM products
		WHERE active = true
		ORDER BY price
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Price,
			&p.BillingPeriod,
			&p.Active,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}

	return products, nil
}

// Create создает новый продукт
func (r *PostgresProductRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	query := `
		INSERT INTO products (id, name, price, billing_period, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		product.ID,
		product.Name,
		product.Price,
		product.BillingPeriod,
		product.Active,
		time.Now(),
		time.Now(),
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)

	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to create product: %w", err)
	}

	return product, nil
}

// InMemoryProductRepository реализация репозитория продуктов в памяти
type InMemoryProductRepository struct {
	products map[uuid.UUID]domain.Product
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryProductRepository создает новый репозиторий продуктов в памяти
func NewInMemoryProductRepository(log *logger.Logger) *InMemoryProductRepository {
	return &InMemoryProductRepository{
		products: make(map[uuid.UUID]domain.Product),
		log:      log,
	}
}

// GetByID возвращает продукт по ID
func (r *InMemoryProductRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Product, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	product, exists := r.products[id]
	if !exists {
		return domain.Product{}, ErrNotFound
	}

	return product, nil
}

// GetAll возвращает все активные продукты
func (r *InMemoryProductRepository) GetAll(ctx context.Context) ([]domain.Product, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	products := make([]domain.Product, 0, len(r.products))
	for _, product := range r.products {
		if product.Active {
			products = append(products, product)
		}
	}

	return products, nil
}

// Create создает новый продукт
func (r *InMemoryProductRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	product.CreatedAt = time.Now()
	product.UpdatedAt = time.Now()

	r.products[product.ID] = product

	return product, nil
}
