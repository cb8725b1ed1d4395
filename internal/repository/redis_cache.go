package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

const (
	bankListKey = "payman:bank_list"

	// TTL для кэша списка банков: список меняется редко,
	// но ходить за ним в шлюз на каждую инициацию контракта не нужно
	bankListCacheTTL = 15 * time.Minute
)

// RedisCacheRepository кеширование редко меняющихся данных шлюза в Redis
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Client возвращает низкоуровневый клиент (для rate limiter-а)
func (r *RedisCacheRepository) Client() *redis.Client {
	return r.client
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// GetBankList возвращает закешированный список банков, ErrNotFound при промахе
func (r *RedisCacheRepository) GetBankList(ctx context.Context) ([]domain.Bank, error) {
	data, err := r.client.Get(ctx, bankListKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bank list from cache: %w", err)
	}

	var banks []domain.Bank
	if err := json.Unmarshal(data, &banks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached bank list: %w", err)
	}

	return banks, nil
}

// SetBankList кеширует список банков
func (r *RedisCacheRepository) SetBankList(ctx context.Context, banks []domain.Bank) error {
	data, err := json.Marshal(banks)
	if err != nil {
		return fmt.Errorf("failed to marshal bank list: %w", err)
	}

	if err := r.client.Set(ctx, bankListKey, data, bankListCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache bank list: %w", err)
	}

	return nil
}
