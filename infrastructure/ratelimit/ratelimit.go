// Package ratelimit throttles per-agent heartbeat ingestion so one noisy
// agent cannot flood AgentDiscoveryService.Heartbeat.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds one agent's heartbeat rate.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter guards a token-bucket limiter behind a mutex so Allow is safe
// to call while the caller already holds its own unrelated lock.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// New creates a RateLimiter for a single agent's heartbeat stream.
func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Allow reports whether a heartbeat arriving now is within the agent's budget.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiter.Allow()
}
