package domain

import (
	"time"

	"github.com/google/uuid"
)

// Product представляет собой тарифицируемый продукт
type Product struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Price         int64         `json:"price"` // в наименьших единицах валюты
	BillingPeriod BillingPeriod `json:"billing_period"`
	Active        bool          `json:"active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
