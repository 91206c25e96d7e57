package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/requesting"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result {
			start := time.Now()
			result := next(ctx, req)
			duration := time.Since(start)
			if result.IsSuccessful() {
				logger.Debug("remote call",
					zap.String("function", req.FunctionName), zap.Duration("duration", duration))
			} else {
				logger.Info("remote call failed",
					zap.String("function", req.FunctionName), zap.Duration("duration", duration),
					zap.String("error", result.ErrorMessage))
			}
			return result
		}
	}
}
