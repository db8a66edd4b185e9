package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisKeyPrefix is the fixed key namespace for cross-process budget
// accumulators: veronica:budget:{chain_id} (§4.8, §6).
const redisKeyPrefix = "veronica:budget:"

// DefaultRedisTTL is reset on every write so an active long-running chain
// never expires mid-run.
const DefaultRedisTTL = 3600 * time.Second

// RedisBackend is the cross-process BudgetBackend. add executes
// INCRBYFLOAT and EXPIRE as a single atomic pipeline. Construction never
// raises: if the initial connection fails and fallbackOnError is true,
// it logs once and silently becomes a LocalBackend for the
// remainder of the process; IsUsingFallback makes this observable.
type RedisBackend struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *zap.Logger

	fallbackOnError bool
	fallback        atomic.Bool
	local           *LocalBackend
	fallbackOnce    sync.Once
}

// NewRedisBackend creates a RedisBackend for chainID. It performs a
// blocking PING at construction to decide whether to start in fallback
// mode; if fallbackOnError is false, a failed PING surfaces as an error
// instead (reserved for strict environments).
func NewRedisBackend(ctx context.Context, client *redis.Client, chainID string, ttl time.Duration, fallbackOnError bool, log *zap.Logger) (*RedisBackend, error) {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	rb := &RedisBackend{
		client:          client,
		key:             redisKeyPrefix + chainID,
		ttl:             ttl,
		log:             log,
		fallbackOnError: fallbackOnError,
		local:           NewLocalBackend(),
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if !fallbackOnError {
			return nil, err
		}
		rb.enterFallback(err)
	}
	return rb, nil
}

func (rb *RedisBackend) enterFallback(cause error) {
	rb.fallbackOnce.Do(func() {
		rb.fallback.Store(true)
		rb.log.Warn("redis budget backend unavailable, falling back to local accumulator",
			zap.String("key", rb.key), zap.Error(cause))
	})
}

// Add executes INCRBYFLOAT + EXPIRE as a single pipeline and returns the
// new total. On failure, if fallbackOnError, the call degrades to the
// local accumulator for the remainder of the process and the amount is
// still applied (to local) so the caller's charge is not silently lost.
func (rb *RedisBackend) Add(amount float64) (float64, error) {
	if rb.fallback.Load() {
		return rb.local.Add(amount)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := rb.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, rb.key, amount)
	pipe.Expire(ctx, rb.key, rb.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		if rb.fallbackOnError {
			rb.enterFallback(err)
			return rb.local.Add(amount)
		}
		return 0, err
	}
	return incr.Val(), nil
}

// Get returns the current total without mutating it.
func (rb *RedisBackend) Get() (float64, error) {
	if rb.fallback.Load() {
		return rb.local.Get()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := rb.client.Get(ctx, rb.key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		if rb.fallbackOnError {
			rb.enterFallback(err)
			return rb.local.Get()
		}
		return 0, err
	}
	return val, nil
}

// Reset zeroes the accumulator.
func (rb *RedisBackend) Reset() error {
	if rb.fallback.Load() {
		return rb.local.Reset()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rb.client.Del(ctx, rb.key).Err(); err != nil {
		if rb.fallbackOnError {
			rb.enterFallback(err)
			return rb.local.Reset()
		}
		return err
	}
	return nil
}

// IsUsingFallback reports whether this backend has degraded to its local
// accumulator for the remainder of the process.
func (rb *RedisBackend) IsUsingFallback() bool {
	return rb.fallback.Load()
}
