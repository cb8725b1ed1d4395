package events

import (
	"context"

	"github.com/paydar-io/billing-engine/internal/domain"
)

// Publisher интерфейс для публикации биллинговых событий
type Publisher interface {
	Publish(ctx context.Context, event domain.BillingEvent) error
}

// NoopPublisher публикатор-заглушка, используется когда Kafka не настроена
type NoopPublisher struct{}

// Publish ничего не делает
func (NoopPublisher) Publish(ctx context.Context, event domain.BillingEvent) error {
	return nil
}

// MultiPublisher рассылает каждое событие нескольким приемникам.
// Ошибка одного приемника не мешает остальным, возвращается первая.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher создает публикатор с веером приемников
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish публикует событие во все приемники
func (m *MultiPublisher) Publish(ctx context.Context, event domain.BillingEvent) error {
	var firstErr error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
