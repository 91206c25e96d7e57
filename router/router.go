// Package router dispatches typed messages to the one listener registered for
// their type.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/metrics"
	"scard-broker/value"
)

// Listener receives the data of messages of the type it is registered for.
// It reports whether it handled the message.
type Listener interface {
	OnTypedMessageReceived(ctx context.Context, data value.Value) bool
}

// ListenerFunc adapts a function to Listener. A ListenerFunc is not comparable,
// so register it through a pointer (see Route) if it needs to be removed.
type ListenerFunc func(ctx context.Context, data value.Value) bool

func (f ListenerFunc) OnTypedMessageReceived(ctx context.Context, data value.Value) bool {
	return f(ctx, data)
}

// Route is a removable ListenerFunc.
type Route struct {
	F ListenerFunc
}

func (r *Route) OnTypedMessageReceived(ctx context.Context, data value.Value) bool {
	return r.F(ctx, data)
}

type Router struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	routes map[string]Listener
}

func New(logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		logger:  logging.OrNop(logger).Named("router"),
		metrics: m,
		routes:  make(map[string]Listener),
	}
}

// AddRoute registers listener for messageType. Registering a second listener
// for the same type is a broker bug and panics.
func (r *Router) AddRoute(messageType string, listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[messageType]; exists {
		r.logger.Panic("duplicate route", zap.String("type", messageType))
	}
	r.routes[messageType] = listener
}

// RemoveRoute unregisters listener from every type it serves. Removing a
// listener that is not registered panics.
//
// A dispatch that already looked the listener up may still call it after
// RemoveRoute returns; listeners that care must guard themselves.
func (r *Router) RemoveRoute(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for messageType, l := range r.routes {
		if l == listener {
			delete(r.routes, messageType)
			found = true
		}
	}
	if !found {
		r.logger.Panic("removing unknown route listener")
	}
}

// Dispatch hands msg to its route. Messages without a route are logged and
// reported as unhandled; the sender may be talking to another consumer.
func (r *Router) Dispatch(ctx context.Context, msg message.TypedMessage) bool {
	if msg.Type == "" {
		r.logger.Warn("dropping message without type")
		r.metrics.MessageRouted(false)
		return false
	}
	r.mu.Lock()
	listener := r.routes[msg.Type]
	r.mu.Unlock()

	if listener == nil {
		r.logger.Debug("no route for message", zap.String("type", msg.Type))
		r.metrics.MessageRouted(false)
		return false
	}
	handled := listener.OnTypedMessageReceived(ctx, msg.Data)
	r.metrics.MessageRouted(handled)
	if !handled {
		r.logger.Warn("listener did not handle message", zap.String("type", msg.Type))
	}
	return handled
}

// DispatchValue parses a raw {type, data} envelope and dispatches it.
// Malformed envelopes are logged and reported as unhandled.
func (r *Router) DispatchValue(ctx context.Context, v value.Value) bool {
	var msg message.TypedMessage
	if err := msg.FromValue(v); err != nil {
		r.logger.Warn("dropping malformed envelope", zap.Error(err))
		r.metrics.MessageRouted(false)
		return false
	}
	return r.Dispatch(ctx, msg)
}

// HasRoute reports whether messageType currently has a listener.
func (r *Router) HasRoute(messageType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[messageType]
	return ok
}
