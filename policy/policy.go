// Package policy delivers the administrator policy to the broker.
//
// The policy arrives as an "update_admin_policy" typed message, whoever the
// sender is: a peer, the static config, or the etcd watcher. Getter keeps the
// latest one.
package policy

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/router"
	"scard-broker/transport"
	"scard-broker/value"
)

const UpdateMessageType = "update_admin_policy"

var ErrShutDown = errors.New("policy getter shut down")

// AdminPolicy lists the client applications granted special treatment.
type AdminPolicy struct {
	ForceAllowedClientAppIDs            []string `value:"force_allowed_client_app_ids,optional" mapstructure:"force_allowed_client_app_ids" yaml:"force_allowed_client_app_ids"`
	SCardDisconnectFallbackClientAppIDs []string `value:"scard_disconnect_fallback_client_app_ids,optional" mapstructure:"scard_disconnect_fallback_client_app_ids" yaml:"scard_disconnect_fallback_client_app_ids"`
}

func (p AdminPolicy) IsForceAllowed(clientAppID string) bool {
	return clientAppID != "" && slices.Contains(p.ForceAllowedClientAppIDs, clientAppID)
}

// IsDisconnectFallbackAllowed reports whether a failed connect of this client
// may be retried after resetting the card.
func (p AdminPolicy) IsDisconnectFallbackAllowed(clientAppID string) bool {
	return clientAppID != "" && slices.Contains(p.SCardDisconnectFallbackClientAppIDs, clientAppID)
}

// UpdateMessage wraps p into the message Getter listens for.
func UpdateMessage(p AdminPolicy) (message.TypedMessage, error) {
	data, err := value.From(p)
	if err != nil {
		return message.TypedMessage{}, err
	}
	return message.TypedMessage{Type: UpdateMessageType, Data: data}, nil
}

// Publish dispatches p to whichever Getter is listening on d.
func Publish(ctx context.Context, d transport.Dispatcher, p AdminPolicy) bool {
	msg, err := UpdateMessage(p)
	if err != nil {
		return false
	}
	return d.Dispatch(ctx, msg)
}

// Getter holds the latest admin policy.
type Getter struct {
	router *router.Router
	logger *zap.Logger

	mu       sync.Mutex
	policy   *AdminPolicy
	ready    chan struct{}
	shutdown chan struct{}
	stopped  bool
}

// NewGetter registers the policy route on r.
func NewGetter(r *router.Router, logger *zap.Logger) *Getter {
	g := &Getter{
		router:   r,
		logger:   logging.OrNop(logger).Named("policy"),
		ready:    make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	r.AddRoute(UpdateMessageType, g)
	return g
}

func (g *Getter) OnTypedMessageReceived(_ context.Context, data value.Value) bool {
	var p AdminPolicy
	if err := value.Decode(data, &p); err != nil {
		g.logger.Warn("ignoring malformed admin policy", zap.Error(err))
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	first := g.policy == nil
	g.policy = &p
	if first {
		close(g.ready)
	}
	g.logger.Info("admin policy updated",
		zap.Strings("force_allowed", p.ForceAllowedClientAppIDs),
		zap.Strings("disconnect_fallback", p.SCardDisconnectFallbackClientAppIDs))
	return true
}

// Get returns the current policy without waiting.
func (g *Getter) Get() (AdminPolicy, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.policy == nil {
		return AdminPolicy{}, false
	}
	return *g.policy, true
}

// WaitAndGet blocks until a policy has been received, ctx is done, or the
// getter is shut down.
func (g *Getter) WaitAndGet(ctx context.Context) (AdminPolicy, error) {
	select {
	case <-g.ready:
	case <-g.shutdown:
		return AdminPolicy{}, ErrShutDown
	case <-ctx.Done():
		return AdminPolicy{}, ctx.Err()
	}
	p, _ := g.Get()
	return p, nil
}

// ShutDown removes the route and releases every WaitAndGet caller.
func (g *Getter) ShutDown() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.shutdown)
	g.mu.Unlock()
	g.router.RemoveRoute(g)
}
