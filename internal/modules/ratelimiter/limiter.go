// Package ratelimiter throttles outbound exchange calls per credential so a
// burst of signals for one subscriber can never trip that subscriber's
// exchange-side rate limit and poison every other subscriber sharing the
// process.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limit is the token-bucket capacity applied to one exchange: ratePerSecond
// sustained requests with a burst capacity of Burst.
type Limit struct {
	RatePerSecond float64
	Burst         int
}

// Registry hands out a token-bucket limiter per (exchangeID, credentialID)
// key, creating one lazily on first use and reusing it afterward. Each
// exchange can carry its own capacity, since exchanges enforce very
// different API rate limits; exchanges with no entry in perExchange fall
// back to defaultLimit.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	defaultLimit Limit
	perExchange  map[string]Limit
}

// NewRegistry creates a registry whose limiters default to defaultLimit,
// except for exchanges named in perExchange which use their own capacity.
func NewRegistry(defaultLimit Limit, perExchange map[string]Limit) *Registry {
	return &Registry{
		limiters:     make(map[string]*rate.Limiter),
		defaultLimit: defaultLimit,
		perExchange:  perExchange,
	}
}

func (r *Registry) key(exchangeID, credentialID string) string {
	return exchangeID + ":" + credentialID
}

func (r *Registry) limitFor(exchangeID string) Limit {
	if l, ok := r.perExchange[exchangeID]; ok {
		return l
	}
	return r.defaultLimit
}

// Wait blocks until a token is available for (exchangeID, credentialID), or
// ctx is cancelled.
func (r *Registry) Wait(ctx context.Context, exchangeID, credentialID string) error {
	limiter := r.limiterFor(exchangeID, credentialID)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed for %s: %w", r.key(exchangeID, credentialID), err)
	}
	return nil
}

func (r *Registry) limiterFor(exchangeID, credentialID string) *rate.Limiter {
	key := r.key(exchangeID, credentialID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	limit := r.limitFor(exchangeID)
	l := rate.NewLimiter(rate.Limit(limit.RatePerSecond), limit.Burst)
	r.limiters[key] = l
	return l
}
