// Package middleware provides HTTP middleware components for the application.
package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds middleware configuration.
type Config struct {
	Logger *zap.Logger

	RateLimit       rate.Limit
	RateLimitBurst  int
	// RateLimitExempt lets matching requests bypass the per-IP limiter.
	RateLimitExempt func(r *http.Request) bool

	RequestTimeout time.Duration
}

// Chain creates a middleware chain with all configured middleware. The returned
// RateLimiter must be stopped on shutdown.
func Chain(config *Config) (func(http.Handler) http.Handler, *RateLimiter) {
	rateLimiter := NewRateLimiter(config.RateLimit, config.RateLimitBurst)
	rateLimiter.exempt = config.RateLimitExempt

	return func(handler http.Handler) http.Handler {
		// Apply middleware in order (outer to inner)
		h := handler

		if config.RequestTimeout > 0 {
			h = Timeout(config.RequestTimeout)(h)
		}

		h = rateLimiter.Middleware()(h)

		h = Recovery(config.Logger)(h)

		h = RequestID(h)

		h = Logger(config.Logger)(h)

		return h
	}, rateLimiter
}
