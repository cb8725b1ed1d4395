package repository

import (
	"github.com/paydar-io/billing-engine/internal/domain"
)

// Ошибки уровня репозитория. Совпадают с доменными sentinel-ошибками,
// чтобы сервисы могли сравнивать через errors.Is без привязки к слою.
var (
	ErrNotFound            = domain.ErrNotFound
	ErrDuplicate           = domain.ErrDuplicate
	ErrInvalidData         = domain.ErrInvalidInput
	ErrInvalidOperation    = domain.ErrInvalidOperation
	ErrConcurrencyConflict = domain.ErrConcurrencyConflict
)
