package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"scard-broker/metrics"
	"scard-broker/requesting"
)

// RateLimitMiddleware creates a token bucket limiter shared by every call
// going through the returned middleware. r <= 0 disables limiting.
func RateLimitMiddleware(r float64, burst int, m *metrics.Metrics) Middleware {
	if r <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result {
			if !limiter.Allow() {
				m.RateLimited()
				return requesting.Failed("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
