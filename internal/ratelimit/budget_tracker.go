package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second     // 1 second sliding window
	DefaultKeyTTL     = 2 * time.Second // window + buffer
)

// KeyPrefixCalls is the Redis key prefix for per-window call counters.
const KeyPrefixCalls = "calls:window:"

// CallBudgetTracker coordinates the calls-per-second ceiling across multiple
// processes sharing one provider key, using a Redis counter per window with
// atomic check-and-increment. The in-process Gateway remains the only
// ordering point; the tracker only vetoes calls that would blow the shared
// ceiling.
type CallBudgetTracker struct {
	redis      redis.Cmdable
	budget     int
	windowSize time.Duration
	keyTTL     time.Duration
}

// CallBudgetTrackerConfig holds configuration for the budget tracker.
type CallBudgetTrackerConfig struct {
	// Redis is the client for cross-process coordination. Required.
	Redis redis.Cmdable

	// Budget is the shared calls-per-window ceiling. Required.
	Budget int

	// WindowSize is the sliding window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL is the TTL for Redis keys. Default: 2s (window + buffer).
	KeyTTL time.Duration
}

// Validate checks if the configuration is valid.
func (c *CallBudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Budget <= 0 {
		return errors.New("budget must be positive")
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	return nil
}

// NewCallBudgetTracker creates a tracker with the given configuration.
// Returns an error if the configuration is invalid.
func NewCallBudgetTracker(cfg *CallBudgetTrackerConfig) (*CallBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &CallBudgetTracker{
		redis:      cfg.Redis,
		budget:     cfg.Budget,
		windowSize: windowSize,
		keyTTL:     keyTTL,
	}, nil
}

// consumeScript atomically checks the window counter against the budget and
// increments it only if the calls fit.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local calls = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + calls > budget then
		return {0, used}
	end

	redis.call('INCRBY', key, calls)
	redis.call('EXPIRE', key, ttl)
	return {1, used + calls}
`)

// getWindowTimestamp returns the timestamp for the current window, aligned
// to the window size boundary.
func (t *CallBudgetTracker) getWindowTimestamp() int64 {
	return time.Now().Truncate(t.windowSize).UnixMilli()
}

// TryConsume attempts to consume calls from the shared window budget.
//
// Returns:
//   - allowed: true if the consumption was allowed
//   - waitTime: suggested wait before retrying if not allowed
func (t *CallBudgetTracker) TryConsume(ctx context.Context, calls int) (bool, time.Duration) {
	if calls <= 0 {
		return true, 0
	}

	windowTS := t.getWindowTimestamp()
	key := KeyPrefixCalls + strconv.FormatInt(windowTS, 10)

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{key},
		calls, t.budget, ttlSeconds).Int64Slice()
	if err != nil {
		// On Redis error, deny to be safe and retry next window.
		return false, t.calculateWaitTime(windowTS)
	}

	if result[0] != 1 {
		return false, t.calculateWaitTime(windowTS)
	}
	return true, 0
}

// calculateWaitTime returns the time until the next window starts.
func (t *CallBudgetTracker) calculateWaitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(t.windowSize)
	waitTime := time.Until(windowEnd)
	if waitTime < 0 {
		waitTime = 0
	}
	// Small buffer to land in the new window.
	return waitTime + time.Millisecond
}

// Used returns the number of calls consumed in the current window.
func (t *CallBudgetTracker) Used(ctx context.Context) (int, error) {
	windowTS := t.getWindowTimestamp()
	key := KeyPrefixCalls + strconv.FormatInt(windowTS, 10)

	val, err := t.redis.Get(ctx, key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}

// Budget returns the configured calls-per-window ceiling.
func (t *CallBudgetTracker) Budget() int {
	return t.budget
}

// WindowSize returns the configured window duration.
func (t *CallBudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
