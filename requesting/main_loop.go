package requesting

import "context"

type mainLoopKey struct{}

// WithMainLoop marks ctx as belonging to a main event loop: a goroutine that
// delivers inbound messages and therefore must never wait for a response.
func WithMainLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainLoopKey{}, true)
}

// OffMainLoop clears the mark, for work handed off from a main loop to its own goroutine.
func OffMainLoop(ctx context.Context) context.Context {
	if !IsMainLoop(ctx) {
		return ctx
	}
	return context.WithValue(ctx, mainLoopKey{}, false)
}

func IsMainLoop(ctx context.Context) bool {
	on, _ := ctx.Value(mainLoopKey{}).(bool)
	return on
}
