package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrInternal внутренняя ошибка
	ErrInternal = errors.New("internal error")

	// ErrInvalidOperation неверная операция
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrGatewayUnavailable шлюз не вернул authority или список банков
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayAuth неверные учетные данные шлюза (фатально, не повторяется)
	ErrGatewayAuth = errors.New("payment gateway authentication failed")

	// ErrGatewayTransient временная недоступность шлюза (повторяется планировщиком)
	ErrGatewayTransient = errors.New("payment gateway transient failure")

	// ErrGatewayBusiness отказ шлюза по бизнес-причине (списание отклонено)
	ErrGatewayBusiness = errors.New("payment gateway declined")

	// ErrConcurrencyConflict для подписки уже существует pending-платеж
	ErrConcurrencyConflict = errors.New("pending payment already exists")

	// ErrReconciliationAmbiguous вебхук ссылается на неизвестный платеж
	ErrReconciliationAmbiguous = errors.New("webhook references unknown payment")

	// ErrSubscriptionConflict у пользователя уже есть активная подписка на продукт
	ErrSubscriptionConflict = errors.New("active subscription already exists")

	// ErrContractNotActive подписка не привязана к активному контракту
	ErrContractNotActive = errors.New("direct debit contract is not active")

	// ErrInvalidMobileFormat неверный формат номера мобильного телефона
	ErrInvalidMobileFormat = errors.New("invalid mobile number format")
)

// GatewayErrorCategory категория ошибки платежного шлюза
type GatewayErrorCategory string

const (
	GatewayErrorAuth      GatewayErrorCategory = "auth"
	GatewayErrorTransient GatewayErrorCategory = "transient"
	GatewayErrorBusiness  GatewayErrorCategory = "business"
)

// GatewayError представляет типизированную ошибку шлюза с числовым кодом.
// Движок никогда не смотрит на HTTP-статус отдельно от кода.
type GatewayError struct {
	Category    GatewayErrorCategory
	Code        int
	Message     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("gateway error [%s/%d]: %s: %v", e.Category, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("gateway error [%s/%d]: %s", e.Category, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// Is сопоставляет ошибку с категорийными sentinel-ошибками
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGatewayAuth:
		return e.Category == GatewayErrorAuth
	case ErrGatewayTransient:
		return e.Category == GatewayErrorTransient
	case ErrGatewayBusiness:
		return e.Category == GatewayErrorBusiness
	}
	return false
}

// NewGatewayError создает новую типизированную ошибку шлюза
func NewGatewayError(category GatewayErrorCategory, code int, message string, err error) *GatewayError {
	return &GatewayError{
		Category:    category,
		Code:        code,
		Message:     message,
		OriginalErr: err,
	}
}

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is сопоставляет набор с ErrInvalidInput
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}
