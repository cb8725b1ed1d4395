package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter ограничитель частоты запросов по ключу
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter ограничитель с фиксированным окном поверх Redis.
// Работает в кластере из нескольких инстансов сервиса.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisLimiter создает новый ограничитель на Redis
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
	}
}

// Allow инкрементирует счетчик окна и сравнивает его с лимитом.
// При ошибке Redis запрос пропускается: лимитер не должен ронять
// прием вебхуков из-за недоступности кеша.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, time.Now().Unix()/int64(l.window.Seconds()))

	count, err := l.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return true, fmt.Errorf("rate limiter unavailable: %w", err)
	}

	if count == 1 {
		l.client.Expire(ctx, windowKey, l.window)
	}

	return count <= l.limit, nil
}

// InMemoryLimiter ограничитель с фиксированным окном в памяти процесса
type InMemoryLimiter struct {
	limit  int64
	window time.Duration

	mutex   sync.Mutex
	windows map[string]*windowCounter
}

type windowCounter struct {
	start time.Time
	count int64
}

// NewInMemoryLimiter создает новый ограничитель в памяти
func NewInMemoryLimiter(limit int, window time.Duration) *InMemoryLimiter {
	return &InMemoryLimiter{
		limit:   int64(limit),
		window:  window,
		windows: make(map[string]*windowCounter),
	}
}

// Allow инкрементирует счетчик текущего окна для ключа
func (l *InMemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()

	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.window {
		l.windows[key] = &windowCounter{start: now, count: 1}
		l.sweep(now)
		return true, nil
	}

	w.count++
	return w.count <= l.limit, nil
}

// sweep удаляет протухшие окна, вызывается под мьютексом
func (l *InMemoryLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}
