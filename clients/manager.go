// Package clients keeps the directory of client handlers.
//
// A peer asks for a handler with a "<name>_create_client_handler" message and
// drops it with "<name>_delete_client_handler". Each handler owns a
// processor.Processor and serves "<name>_client_handler_<id>_call_function"
// requests on the connection that created it. Handler ids are global, but a
// handler only answers the connection that created it.
package clients

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/metrics"
	"scard-broker/middleware"
	"scard-broker/pcsc"
	"scard-broker/policy"
	"scard-broker/processor"
	"scard-broker/requesting"
	"scard-broker/router"
	"scard-broker/transport"
	"scard-broker/value"
)

const DefaultName = "pcsc_lite"

func CreateHandlerMessageType(name string) string { return name + "_create_client_handler" }

func DeleteHandlerMessageType(name string) string { return name + "_delete_client_handler" }

// HandlerRequesterName is the requester name of handler id's remote calls.
func HandlerRequesterName(name string, id int64) string {
	return fmt.Sprintf("%s_client_handler_%d_call_function", name, id)
}

type CreateHandlerData struct {
	HandlerID        int64  `value:"handler_id"`
	ClientNameForLog string `value:"client_name_for_log"`
	ClientAppID      string `value:"client_app_id,optional"`
}

type DeleteHandlerData struct {
	HandlerID int64 `value:"handler_id"`
}

func CreateHandlerMessage(name string, data CreateHandlerData) message.TypedMessage {
	return message.TypedMessage{Type: CreateHandlerMessageType(name), Data: value.MustFrom(data)}
}

func DeleteHandlerMessage(name string, data DeleteHandlerData) message.TypedMessage {
	return message.TypedMessage{Type: DeleteHandlerMessageType(name), Data: value.MustFrom(data)}
}

type Options struct {
	Name   string
	Engine pcsc.Engine
	Router *router.Router
	// DefaultSender answers create messages that carry no sender in their
	// context. Optional.
	DefaultSender transport.Sender
	Policy        *policy.Getter
	// NewMiddleware builds the middleware of one handler, so that state such
	// as rate limits is per client. Optional.
	NewMiddleware func(clientAppID string) middleware.Middleware
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type handler struct {
	m         *Manager
	id        int64
	sender    transport.Sender
	processor *processor.Processor
	receiver  *requesting.RequestReceiver
	call      middleware.HandlerFunc
}

// handleRequest runs every call on its own goroutine: remote calls may block
// in the engine for long, and this is called on the connection's main loop.
func (h *handler) handleRequest(ctx context.Context, payload value.Value, done requesting.ResultCallback) {
	if from := h.m.senderOf(ctx); from != h.sender {
		// the reply would go to the handler's own connection, so none is sent
		h.m.logger.Warn("dropping request from a foreign connection", zap.Int64("handler_id", h.id))
		h.m.metrics.ForeignMessageRefused("request")
		return
	}
	req, err := requesting.ParseRemoteCallRequest(payload)
	if err != nil {
		done(requesting.Failed("%v", err))
		return
	}
	go func() {
		done(h.call(requesting.OffMainLoop(ctx), req))
	}()
}

type Manager struct {
	name    string
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	createRoute *router.Route
	deleteRoute *router.Route
	teardowns   sync.WaitGroup

	mu       sync.Mutex
	handlers map[int64]*handler
	// pending holds ids whose handler is being built, with their creator.
	pending  map[int64]transport.Sender
	shutdown bool
}

// New registers the create and delete routes on opts.Router.
func New(opts Options) *Manager {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	m := &Manager{
		name:     name,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("clients"),
		metrics:  opts.Metrics,
		handlers: make(map[int64]*handler),
		pending:  make(map[int64]transport.Sender),
	}
	m.createRoute = &router.Route{F: m.onCreate}
	m.deleteRoute = &router.Route{F: m.onDelete}
	opts.Router.AddRoute(CreateHandlerMessageType(name), m.createRoute)
	opts.Router.AddRoute(DeleteHandlerMessageType(name), m.deleteRoute)
	return m
}

// senderOf returns the connection a message arrived on.
func (m *Manager) senderOf(ctx context.Context) transport.Sender {
	if s, ok := transport.SenderFromContext(ctx); ok {
		return s
	}
	return m.opts.DefaultSender
}

func (m *Manager) onCreate(ctx context.Context, data value.Value) bool {
	var msg CreateHandlerData
	if err := value.Decode(data, &msg); err != nil {
		m.logger.Warn("malformed create handler message", zap.Error(err))
		return false
	}
	sender := m.senderOf(ctx)
	if sender == nil {
		m.logger.Warn("no connection to serve handler on", zap.Int64("handler_id", msg.HandlerID))
		return false
	}
	if !m.reserve(msg.HandlerID, sender) {
		return false
	}

	h := m.newHandler(msg, sender)
	m.metrics.HandlerCreated()

	m.mu.Lock()
	delete(m.pending, msg.HandlerID)
	if m.shutdown {
		m.mu.Unlock()
		m.deleteHandler(h)
		return false
	}
	m.handlers[msg.HandlerID] = h
	m.mu.Unlock()

	m.logger.Info("client handler created",
		zap.Int64("handler_id", msg.HandlerID),
		zap.String("client", msg.ClientNameForLog),
		zap.String("client_app_id", msg.ClientAppID))
	return true
}

// reserve claims id for sender. Reusing a live id on the same connection is a
// fatal protocol violation; another connection's id is refused.
func (m *Manager) reserve(id int64, sender transport.Sender) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	owner, taken := m.pending[id]
	if h, ok := m.handlers[id]; ok {
		owner, taken = h.sender, true
	}
	if !taken {
		m.pending[id] = sender
		return true
	}
	if owner == sender {
		m.logger.Panic("duplicate client handler id", zap.Int64("handler_id", id))
	}
	m.logger.Warn("client handler id is taken by another connection", zap.Int64("handler_id", id))
	m.metrics.ForeignMessageRefused("create")
	return false
}

func (m *Manager) newHandler(msg CreateHandlerData, sender transport.Sender) *handler {
	p := processor.New(processor.Options{
		HandlerID:        msg.HandlerID,
		ClientNameForLog: msg.ClientNameForLog,
		ClientAppID:      msg.ClientAppID,
		Engine:           m.opts.Engine,
		Policy:           m.opts.Policy,
		Logger:           m.opts.Logger,
		Metrics:          m.metrics,
	})
	// every call in flight holds a processor reference, even one whose
	// result a timeout middleware already gave up on
	process := func(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result {
		if !p.TryAcquire() {
			return requesting.Failed("client handler is shut down")
		}
		defer p.Release()
		return p.ProcessRequest(ctx, req)
	}
	call := middleware.HandlerFunc(process)
	if m.opts.NewMiddleware != nil {
		call = m.opts.NewMiddleware(msg.ClientAppID)(call)
	}

	h := &handler{m: m, id: msg.HandlerID, sender: sender, processor: p, call: call}
	h.receiver = requesting.NewRequestReceiver(
		HandlerRequesterName(m.name, msg.HandlerID),
		requesting.HandlerFunc(h.handleRequest),
		sender, m.opts.Router, m.opts.Logger)
	return h
}

func (m *Manager) onDelete(ctx context.Context, data value.Value) bool {
	var msg DeleteHandlerData
	if err := value.Decode(data, &msg); err != nil {
		m.logger.Warn("malformed delete handler message", zap.Error(err))
		return false
	}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return false
	}
	h, ok := m.handlers[msg.HandlerID]
	if !ok {
		m.mu.Unlock()
		m.logger.Panic("deleting unknown client handler", zap.Int64("handler_id", msg.HandlerID))
	}
	if h.sender != m.senderOf(ctx) {
		m.mu.Unlock()
		m.logger.Warn("refusing to delete another connection's handler", zap.Int64("handler_id", msg.HandlerID))
		m.metrics.ForeignMessageRefused("delete")
		return false
	}
	delete(m.handlers, msg.HandlerID)
	m.mu.Unlock()

	m.deleteHandler(h)
	return true
}

// deleteHandler does not wait for the handler's calls to finish.
func (m *Manager) deleteHandler(h *handler) {
	h.processor.ScheduleRunningRequestsCancellation()
	h.receiver.ShutDown()
	h.processor.Release()
	m.metrics.HandlerDeleted()
	m.logger.Info("client handler deleted", zap.Int64("handler_id", h.id))

	m.teardowns.Add(1)
	go func() {
		defer m.teardowns.Done()
		_ = h.processor.WaitTeardown(context.Background())
	}()
}

// DropSender deletes every handler serving on s, as when its connection
// closes without deleting them.
func (m *Manager) DropSender(s transport.Sender) int {
	m.mu.Lock()
	var dropped []*handler
	for id, h := range m.handlers {
		if h.sender == s {
			dropped = append(dropped, h)
			delete(m.handlers, id)
		}
	}
	m.mu.Unlock()

	for _, h := range dropped {
		m.deleteHandler(h)
	}
	return len(dropped)
}

// Processor returns the processor of handler id, if it exists.
func (m *Manager) Processor(id int64) (*processor.Processor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[id]
	if !ok {
		return nil, false
	}
	return h.processor, true
}

func (m *Manager) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// ShutDown deletes every remaining handler and stops listening for control
// messages. Wait blocks until the deleted handlers are torn down.
func (m *Manager) ShutDown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	remaining := make([]*handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		remaining = append(remaining, h)
	}
	m.handlers = make(map[int64]*handler)
	m.mu.Unlock()

	m.opts.Router.RemoveRoute(m.createRoute)
	m.opts.Router.RemoveRoute(m.deleteRoute)
	for _, h := range remaining {
		m.deleteHandler(h)
	}
}

// Wait blocks until every handler deleted so far has released its contexts.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
