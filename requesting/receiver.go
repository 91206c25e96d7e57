package requesting

import (
	"context"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/router"
	"scard-broker/value"
)

// ResultCallback delivers a handler's result. It may be called from any
// goroutine at any time, including after the receiver was shut down, in which
// case it does nothing. Only the first call has an effect.
type ResultCallback func(Result)

// Handler serves requests. HandleRequest must not block for long: it is
// usually called on a main event loop. Slow work belongs on another goroutine
// that calls done when finished.
type Handler interface {
	HandleRequest(ctx context.Context, payload value.Value, done ResultCallback)
}

type HandlerFunc func(ctx context.Context, payload value.Value, done ResultCallback)

func (f HandlerFunc) HandleRequest(ctx context.Context, payload value.Value, done ResultCallback) {
	f(ctx, payload, done)
}

// RequestReceiver listens for "<name>::request" messages.
type RequestReceiver struct {
	name    string
	handler Handler
	sender  Sender
	router  *router.Router
	logger  *zap.Logger

	alive atomic.Bool
}

// NewRequestReceiver registers the receiver's request route on r. Responses
// are posted through sender.
func NewRequestReceiver(name string, handler Handler, sender Sender, r *router.Router, logger *zap.Logger) *RequestReceiver {
	rr := &RequestReceiver{
		name:    name,
		handler: handler,
		sender:  sender,
		router:  r,
		logger:  logging.OrNop(logger).Named("receiver").With(zap.String("requester", name)),
	}
	rr.alive.Store(true)
	r.AddRoute(message.RequestType(name), rr)
	return rr
}

func (rr *RequestReceiver) Name() string { return rr.name }

// ShutDown stops delivery of new requests and silences results of requests
// still in flight.
func (rr *RequestReceiver) ShutDown() {
	if rr.alive.CompareAndSwap(true, false) {
		rr.router.RemoveRoute(rr)
	}
}

func (rr *RequestReceiver) OnTypedMessageReceived(ctx context.Context, data value.Value) bool {
	if !rr.alive.Load() {
		// dispatch raced with ShutDown
		return false
	}
	var req message.RequestData
	if err := value.Decode(data, &req); err != nil {
		rr.logger.Warn("dropping malformed request", zap.Error(err))
		return false
	}
	rr.handler.HandleRequest(ctx, req.Payload, rr.resultCallback(req.RequestID))
	return true
}

// resultCallback holds the receiver only weakly, so an abandoned receiver
// does not stay reachable through callbacks held by long-running handlers.
func (rr *RequestReceiver) resultCallback(id RequestID) ResultCallback {
	ref := weak.Make(rr)
	var called atomic.Bool
	return func(result Result) {
		if !called.CompareAndSwap(false, true) {
			if r := ref.Value(); r != nil {
				r.logger.Warn("result delivered twice", zap.Int64("request_id", id))
			}
			return
		}
		r := ref.Value()
		if r == nil || !r.alive.Load() {
			return
		}
		r.postResult(id, result)
	}
}

func (rr *RequestReceiver) postResult(id RequestID, result Result) {
	var msg message.TypedMessage
	if result.IsSuccessful() {
		msg = message.NewSuccessResponse(rr.name, id, result.Payload)
	} else {
		// canceled travels exactly like failed
		msg = message.NewErrorResponse(rr.name, id, result.ErrorMessage)
	}
	if err := rr.sender.PostMessage(msg); err != nil {
		rr.logger.Warn("failed to send response", zap.Int64("request_id", id), zap.Error(err))
	}
}
