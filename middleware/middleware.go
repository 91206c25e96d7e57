// Package middleware wraps the processing of client remote calls.
package middleware

import (
	"context"

	"scard-broker/requesting"
)

type HandlerFunc func(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// SkipWhen bypasses mw for the calls skip reports true for.
func SkipWhen(skip func(ctx context.Context) bool, mw Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		wrapped := mw(next)
		return func(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result {
			if skip(ctx) {
				return next(ctx, req)
			}
			return wrapped(ctx, req)
		}
	}
}
