package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// retrier wraps a Redis operation with cfg.Retry's exponential backoff,
// throttled by a token-bucket limiter so a sustained outage doesn't turn
// every caller's retry loop into a reconnect storm against a struggling
// Redis instance.
type retrier struct {
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newRetrier(cfg RetryConfig, logger *zap.Logger) *retrier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultRetryConfig().BackoffMultiplier
	}
	return &retrier{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.InitialBackoff), 1),
		logger:  logger,
	}
}

// do runs op, retrying on transient Redis errors (connection refused, i/o
// timeout, pool exhaustion) up to cfg.MaxRetries times with exponential
// backoff. redis.Nil (key not found) and context cancellation are never
// retried.
func (r *retrier) do(ctx context.Context, op string, fn func() error) error {
	backoff := r.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil || !isTransientRedisErr(lastErr) {
			return lastErr
		}
		r.logger.Warn("retrying transient store operation",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return lastErr
}

func isTransientRedisErr(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed)
}
