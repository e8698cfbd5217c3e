package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/logging"
	"github.com/example/finger-bridge/internal/repository"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// NopCache stands in when no Redis address is configured; every read misses.
type NopCache struct{}

// Set discards the value.
func (NopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }

// Get always reports redis.Nil.
func (NopCache) Get(context.Context, string) (string, error) { return "", redis.Nil }

func operationCacheKey(requestID string) string {
	return "operation:" + requestID
}

type cachedOperation struct {
	RequestID   string    `json:"request_id"`
	Operation   string    `json:"operation"`
	SubjectID   string    `json:"subject_id,omitempty"`
	FingerIndex int       `json:"finger_index,omitempty"`
	Partition   string    `json:"partition,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	Score       float64   `json:"score"`
	Success     bool      `json:"success"`
	Details     string    `json:"details"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

func newCachedOperation(log *repository.OperationLog) cachedOperation {
	return cachedOperation{
		RequestID:   log.RequestID,
		Operation:   log.Operation,
		SubjectID:   log.SubjectID,
		FingerIndex: log.FingerIndex,
		Partition:   log.Partition,
		Decision:    log.Decision,
		Score:       log.Score,
		Success:     log.Success,
		Details:     log.Details,
		DurationMs:  log.DurationMs,
		CreatedAt:   log.CreatedAt,
	}
}

func (c cachedOperation) toLog() *repository.OperationLog {
	return &repository.OperationLog{
		RequestID:   c.RequestID,
		Operation:   c.Operation,
		SubjectID:   c.SubjectID,
		FingerIndex: c.FingerIndex,
		Partition:   c.Partition,
		Decision:    c.Decision,
		Score:       c.Score,
		Success:     c.Success,
		Details:     c.Details,
		DurationMs:  c.DurationMs,
		CreatedAt:   c.CreatedAt,
	}
}

func (uc *BridgeUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *BridgeUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
