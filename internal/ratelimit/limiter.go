// Package ratelimit enforces per-agent, per-dispatcher-method rate limits
// using Redis or local memory, mirroring the teacher's store-selection
// pattern but keyed by bus method instead of HTTP route.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
)

// DefaultRate is applied to any dispatcher method without an explicit
// override.
const DefaultRate = "1000-M"

// RateLimiter tracks per-method limiter instances, keyed by agent id.
type RateLimiter struct {
	store        limiter.Store
	defaultLimit *limiter.Limiter
	overrides    map[string]*limiter.Limiter
}

// NewRateLimiter creates a RateLimiter. methodRates maps a dispatcher
// method (e.g. "rtc_signal.create") to a ulule/limiter formatted rate
// (e.g. "50-M"); methods absent from the map use DefaultRate. redisClient
// may be nil, in which case an in-memory store is used (single-instance
// deployments, matching the teacher's fallback behavior).
func NewRateLimiter(redisClient *redis.Client, methodRates map[string]string) (*RateLimiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "ratelimit:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	defaultRate, err := limiter.NewRateFromFormatted(DefaultRate)
	if err != nil {
		return nil, fmt.Errorf("invalid default rate: %w", err)
	}

	rl := &RateLimiter{
		store:        store,
		defaultLimit: limiter.New(store, defaultRate),
		overrides:    make(map[string]*limiter.Limiter, len(methodRates)),
	}

	for method, formatted := range methodRates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for method %q: %w", method, err)
		}
		rl.overrides[method] = limiter.New(store, rate)
	}

	return rl, nil
}

// Allow reports whether a request for method, scoped to subject (typically
// an agent id), is within its rate limit. A false return means the caller
// should reject with too_many_requests (429) per §4.4's status mapping.
func (rl *RateLimiter) Allow(ctx context.Context, method, subject string) (bool, error) {
	lim := rl.overrides[method]
	if lim == nil {
		lim = rl.defaultLimit
	}

	key := fmt.Sprintf("%s:%s", method, subject)
	res, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true, nil // fail open: availability over strict enforcement
	}

	metrics.RateLimitRequests.WithLabelValues(method).Inc()
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(method, "limit").Inc()
		return false, nil
	}
	return true, nil
}
