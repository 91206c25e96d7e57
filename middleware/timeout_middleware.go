package middleware

import (
	"context"
	"time"

	"scard-broker/requesting"
)

// TimeOutMiddleware fails calls taking longer than timeout. The call itself
// keeps running until it returns; only its result is dropped. A timeout <= 0
// disables the middleware.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	if timeout <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan requesting.Result, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return requesting.Failed("request timed out")
			}
		}
	}
}
