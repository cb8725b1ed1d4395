package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// WebhookEventRepository интерфейс репозитория аудит-записей вебхуков
type WebhookEventRepository interface {
	Create(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error)
	Update(ctx context.Context, event domain.WebhookEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error)
	GetUnprocessed(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

const webhookEventColumns = `
	id, source, event_type, raw_payload, processed, processed_at,
	payment_id, forwarded_to_external, forwarding_error, created_at
`

// PostgresWebhookEventRepository реализация репозитория вебхук-событий через PostgreSQL
type PostgresWebhookEventRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresWebhookEventRepository создает новый репозиторий вебхук-событий через PostgreSQL
func NewPostgresWebhookEventRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresWebhookEventRepository {
	return &PostgresWebhookEventRepository{
		db:  db,
		log: log,
	}
}

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := row.Scan(
		&e.ID,
		&e.Source,
		&e.EventType,
		&e.RawPayload,
		&e.Processed,
		&e.ProcessedAt,
		&e.PaymentID,
		&e.ForwardedToExternal,
		&e.ForwardingError,
		&e.CreatedAt,
	)
	return e, err
}

// Create сохраняет аудит-запись. Выполняется до интерпретации payload,
// чтобы ни одно уведомление не потерялось молча.
func (r *PostgresWebhookEventRepository) Create(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	query := `
		INSERT INTO webhook_events (` + webhookEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		event.ID,
		event.Source,
		event.EventType,
		event.RawPayload,
		event.Processed,
		event.ProcessedAt,
		event.PaymentID,
		event.ForwardedToExternal,
		event.ForwardingError,
		time.Now(),
	).Scan(&event.ID, &event.CreatedAt)

	if err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("failed to create webhook event: %w", err)
	}

	return event, nil
}

// Update обновляет флаги обработки. RawPayload не трогается.
func (r *PostgresWebhookEventRepository) Update(ctx context.Context, event domain.WebhookEvent) error {
	query := `
		UPDATE webhook_events
		SET
			processed = $1,
			processed_at = $2,
			payment_id = $3,
			forwarded_to_external = $4,
			forwarding_error = $5
		WHERE id = $6
	`

	result, err := r.db.Exec(
		ctx,
		query,
		event.Processed,
		event.ProcessedAt,
		event.PaymentID,
		event.ForwardedToExternal,
		event.ForwardingError,
		event.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID возвращает вебхук-событие по ID
func (r *PostgresWebhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = $1`

	e, err := scanWebhookEvent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, ErrNotFound
		}
		return domain.WebhookEvent{}, fmt.Errorf("failed to get webhook event: %w", err)
	}

	return e, nil
}

// GetUnprocessed возвращает необработанные записи для ручной сверки
func (r *PostgresWebhookEventRepository) GetUnprocessed(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE processed = false
		ORDER BY created_at
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed webhook events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

// InMemoryWebhookEventRepository реализация репозитория вебхук-событий в памяти
type InMemoryWebhookEventRepository struct {
	events map[uuid.UUID]domain.WebhookEvent
	mutex  sync.RWMutex
	log    *logger.Logger
}

// NewInMemoryWebhookEventRepository создает новый репозиторий вебхук-событий в памяти
func NewInMemoryWebhookEventRepository(log *logger.Logger) *InMemoryWebhookEventRepository {
	return &InMemoryWebhookEventRepository{
		events: make(map[uuid.UUID]domain.WebhookEvent),
		log:    log,
	}
}

// Create сохраняет аудит-запись
func (r *InMemoryWebhookEventRepository) Create(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	event.CreatedAt = time.Now()
	r.events[event.ID] = event

	return event, nil
}

// Update обновляет флаги обработки
func (r *InMemoryWebhookEventRepository) Update(ctx context.Context, event domain.WebhookEvent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.events[event.ID]
	if !exists {
		return ErrNotFound
	}

	// RawPayload неизменяем
	event.RawPayload = existing.RawPayload
	r.events[event.ID] = event

	return nil
}

// GetByID возвращает вебхук-событие по ID
func (r *InMemoryWebhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	event, exists := r.events[id]
	if !exists {
		return domain.WebhookEvent{}, ErrNotFound
	}

	return event, nil
}

// GetUnprocessed возвращает необработанные записи
func (r *InMemoryWebhookEventRepository) GetUnprocessed(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var events []domain.WebhookEvent
	for _, event := range r.events {
		if !event.Processed {
			events = append(events, event)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	if len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}
