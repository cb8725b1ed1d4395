package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProrationAmount(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		oldPrice int64
		newPrice int64
		next     time.Time
		want     int64
	}{
		{
			name:     "upgrade with 10 of 30 days remaining",
			oldPrice: 50000,
			newPrice: 100000,
			next:     now.AddDate(0, 0, 10),
			want:     16667,
		},
		{
			name:     "upgrade with full period remaining",
			oldPrice: 50000,
			newPrice: 100000,
			next:     now.AddDate(0, 0, 30),
			want:     50000,
		},
		{
			name:     "downgrade yields no charge",
			oldPrice: 100000,
			newPrice: 50000,
			next:     now.AddDate(0, 0, 15),
			want:     0,
		},
		{
			name:     "equal price yields no charge",
			oldPrice: 50000,
			newPrice: 50000,
			next:     now.AddDate(0, 0, 15),
			want:     0,
		},
		{
			name:     "period already over charges full delta",
			oldPrice: 50000,
			newPrice: 80000,
			next:     now.AddDate(0, 0, -1),
			want:     30000,
		},
		{
			name:     "one day remaining",
			oldPrice: 30000,
			newPrice: 60000,
			next:     now.AddDate(0, 0, 1),
			want:     1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProrationAmount(tt.oldPrice, tt.newPrice, now, tt.next)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Hour, RetryBackoff(0))
	assert.Equal(t, 2*time.Hour, RetryBackoff(1))
	assert.Equal(t, 4*time.Hour, RetryBackoff(2))
	assert.Equal(t, 8*time.Hour, RetryBackoff(3))
	assert.Equal(t, 16*time.Hour, RetryBackoff(4))

	// Потолок в сутки
	assert.Equal(t, 24*time.Hour, RetryBackoff(5))
	assert.Equal(t, 24*time.Hour, RetryBackoff(20))

	// Отрицательный счетчик трактуется как нулевой
	assert.Equal(t, time.Hour, RetryBackoff(-3))
}

func TestRetryBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := RetryBackoff(i)
		assert.GreaterOrEqual(t, d, prev, "backoff must not decrease at step %d", i)
		prev = d
	}
}
