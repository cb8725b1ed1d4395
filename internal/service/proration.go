package service

import (
	"math"
	"time"

	"github.com/paydar-io/billing-engine/internal/domain"
)

// ProrationAmount считает доплату за немедленный апгрейд тарифа.
// Берется разница цен, умноженная на долю оставшегося оплаченного
// периода. Даунгрейд и равная цена доплаты не требуют, кредит
// не выдается.
func ProrationAmount(oldPrice, newPrice int64, now, nextBillingDate time.Time) int64 {
	delta := newPrice - oldPrice
	if delta <= 0 {
		return 0
	}

	remaining := nextBillingDate.Sub(now)
	if remaining <= 0 {
		// Период уже истек, очередное списание возьмет новую цену целиком
		return delta
	}

	remainingDays := remaining.Hours() / 24
	if remainingDays > domain.BillingPeriodDays {
		remainingDays = domain.BillingPeriodDays
	}

	return int64(math.Round(float64(delta) * remainingDays / domain.BillingPeriodDays))
}

// RetryBackoff возвращает задержку min(2^n * 60, 1440) минут перед
// повтором номер n. Неуспех с k прошедшими попытками планирует повтор
// через RetryBackoff(k + 1).
func RetryBackoff(retryCount int) time.Duration {
	const (
		baseMinutes = 60
		capMinutes  = 1440
	)

	if retryCount < 0 {
		retryCount = 0
	}

	minutes := int64(baseMinutes)
	for i := 0; i < retryCount; i++ {
		minutes *= 2
		if minutes >= capMinutes {
			return capMinutes * time.Minute
		}
	}

	return time.Duration(minutes) * time.Minute
}
