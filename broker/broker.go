// Package broker assembles the in-process PC/SC broker: the emulated socket,
// the message router, the client handlers, the admin policy and the reader
// tracker, all around one pcsc.Engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scard-broker/client"
	"scard-broker/clients"
	"scard-broker/codec"
	"scard-broker/ipc"
	"scard-broker/logging"
	"scard-broker/metrics"
	"scard-broker/middleware"
	"scard-broker/pcsc"
	"scard-broker/policy"
	"scard-broker/readers"
	"scard-broker/router"
	"scard-broker/server"
	"scard-broker/transport"
)

type MiddlewareOptions struct {
	RateLimit float64
	Burst     int
	Timeout   time.Duration
	LogCalls  bool
}

type Options struct {
	Name   string
	Codec  codec.Codec
	Engine pcsc.Engine
	// Driver attaches readers for the reader tracker; without one the tracker
	// is not created.
	Driver     readers.Driver
	Readers    readers.Config
	Middleware MiddlewareOptions
	// InitialPolicy is published right away, so that calls waiting for a
	// policy do not wait for an external source.
	InitialPolicy *policy.AdminPolicy
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Broker struct {
	name    string
	codec   codec.Codec
	root    *zap.Logger
	logger  *zap.Logger
	metrics *metrics.Metrics

	registry *ipc.Registry
	queue    *ipc.AcceptQueue
	router   *router.Router
	policy   *policy.Getter
	clients  *clients.Manager
	server   *server.Server
	readers  *readers.Tracker
}

func New(opts Options) *Broker {
	logger := logging.OrNop(opts.Logger)
	name := opts.Name
	if name == "" {
		name = clients.DefaultName
	}
	c := opts.Codec
	if c == nil {
		c = codec.GetCodec(codec.CodecTypeCBOR)
	}

	b := &Broker{
		name:     name,
		codec:    c,
		root:     logger,
		logger:   logger.Named("broker"),
		metrics:  opts.Metrics,
		registry: ipc.NewRegistry(logger, opts.Metrics),
		router:   router.New(logger, opts.Metrics),
	}
	b.queue = ipc.NewAcceptQueue(b.registry, logger)
	b.policy = policy.NewGetter(b.router, logger)
	b.clients = clients.New(clients.Options{
		Name:          name,
		Engine:        opts.Engine,
		Router:        b.router,
		Policy:        b.policy,
		NewMiddleware: newMiddleware(opts.Middleware, b.policy, logger, opts.Metrics),
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	b.server = server.New(server.Options{
		Registry:     b.registry,
		Queue:        b.queue,
		Dispatcher:   b.router,
		Codec:        c,
		OnDisconnect: b.onDisconnect,
		Logger:       logger,
	})
	if opts.Driver != nil {
		b.readers = readers.New(opts.Driver, b.server, opts.Readers, logger, opts.Metrics)
	}
	if opts.InitialPolicy != nil {
		b.PublishPolicy(*opts.InitialPolicy)
	}
	return b
}

// newMiddleware builds one chain per client handler, so every client gets its
// own rate limiter. Clients the admin policy force-allows are not limited.
func newMiddleware(o MiddlewareOptions, p *policy.Getter, logger *zap.Logger, m *metrics.Metrics) func(clientAppID string) middleware.Middleware {
	return func(clientAppID string) middleware.Middleware {
		forceAllowed := func(context.Context) bool {
			current, ok := p.Get()
			return ok && current.IsForceAllowed(clientAppID)
		}
		chain := []middleware.Middleware{
			middleware.SkipWhen(forceAllowed, middleware.RateLimitMiddleware(o.RateLimit, o.Burst, m)),
			middleware.TimeOutMiddleware(o.Timeout),
		}
		if o.LogCalls {
			chain = append([]middleware.Middleware{middleware.LoggingMiddleware(logger)}, chain...)
		}
		return middleware.Chain(chain...)
	}
}

func (b *Broker) onDisconnect(p transport.Peer) {
	if n := b.clients.DropSender(p); n > 0 {
		b.logger.Info("dropped client handlers of a closed connection",
			zap.String("peer", p.ID()), zap.Int("count", n))
	}
}

// Serve accepts emulated connections until ctx is done or Shutdown.
func (b *Broker) Serve(ctx context.Context) error {
	return b.server.Serve(ctx)
}

// ServePeer serves a connection that did not come through the emulated
// socket, such as a websocket.
func (b *Broker) ServePeer(ctx context.Context, p transport.Peer) error {
	return b.server.ServePeer(ctx, p)
}

// Dial connects an in-process client and registers its handler.
func (b *Broker) Dial(handlerID int64, clientName, clientAppID string) (*client.Client, error) {
	return client.Dial(client.Options{
		Registry:    b.registry,
		Queue:       b.queue,
		Codec:       b.codec,
		Name:        b.name,
		HandlerID:   handlerID,
		ClientName:  clientName,
		ClientAppID: clientAppID,
		Logger:      b.root,
	})
}

// PublishPolicy hands p to the policy getter, as an update_admin_policy
// message from any source would.
func (b *Broker) PublishPolicy(p policy.AdminPolicy) {
	if !policy.Publish(context.Background(), b.router, p) {
		b.logger.Warn("admin policy update was not handled")
	}
}

func (b *Broker) Router() *router.Router { return b.router }

func (b *Broker) Policy() *policy.Getter { return b.policy }

func (b *Broker) Clients() *clients.Manager { return b.clients }

func (b *Broker) Server() *server.Server { return b.server }

// Readers is nil without a Driver.
func (b *Broker) Readers() *readers.Tracker { return b.readers }

// Shutdown stops accepting connections, closes the open ones, deletes every
// client handler and waits for their contexts to be released.
func (b *Broker) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := b.server.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	b.clients.ShutDown()
	b.policy.ShutDown()
	if err := b.clients.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("client handlers: %w", err))
	}
	if n := b.registry.OpenCount(); n > 0 {
		b.logger.Debug("channels still open after shutdown", zap.Int("count", n))
	}
	return errors.Join(errs...)
}
