package http

import "golang.org/x/time/rate"

// rateLimiter throttles inbound frames of a single websocket connection.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(perSec float64, burst int) *rateLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (r *rateLimiter) allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}
