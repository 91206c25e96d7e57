package requesting

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/metrics"
	"scard-broker/router"
	"scard-broker/value"
)

const detachedMessage = "Requester detached"

var ErrDetached = errors.New("requester detached")

// Sender posts typed messages to the other side of a link.
type Sender interface {
	PostMessage(msg message.TypedMessage) error
}

// RequestID identifies a request within one Requester. Ids start at 1 and are
// never reused.
type RequestID = int64

// Callback receives the result of an async request exactly once.
type Callback func(Result)

type pendingRequest struct {
	id       RequestID
	callback Callback
}

// Requester issues requests and correlates their responses.
//
// Pending requests live in a table keyed by id. Whoever removes an entry from
// the table (the response listener, a failed send, Detach, or a cancelled
// sync wait) is the one that resolves it, so each callback runs exactly once.
type Requester struct {
	name    string
	sender  Sender
	router  *router.Router
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	nextID   RequestID
	pending  map[RequestID]*pendingRequest
	detached bool
}

// NewRequester registers the requester's response route on r.
func NewRequester(name string, sender Sender, r *router.Router, logger *zap.Logger, m *metrics.Metrics) *Requester {
	q := &Requester{
		name:    name,
		sender:  sender,
		router:  r,
		logger:  logging.OrNop(logger).Named("requester").With(zap.String("requester", name)),
		metrics: m,
		nextID:  1,
		pending: make(map[RequestID]*pendingRequest),
	}
	r.AddRoute(message.ResponseType(name), q)
	return q
}

func (q *Requester) Name() string { return q.name }

// StartAsyncRequest sends payload and arranges for callback to receive the
// result. The callback may run before this returns (for example when sending
// fails or the requester is detached) or later on any goroutine.
func (q *Requester) StartAsyncRequest(payload value.Value, callback Callback) RequestID {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	if q.detached {
		q.mu.Unlock()
		callback(Failed(detachedMessage))
		return id
	}
	q.pending[id] = &pendingRequest{id: id, callback: callback}
	q.mu.Unlock()
	q.metrics.PendingRequestAdded()

	if err := q.sender.PostMessage(message.NewRequest(q.name, id, payload)); err != nil {
		q.logger.Warn("failed to send request", zap.Int64("request_id", id), zap.Error(err))
		if p := q.take(id); p != nil {
			p.callback(Failed("Failed to send request: %v", err))
		}
	}
	return id
}

// PerformSyncRequest blocks until the request resolves or ctx is done. It must
// not be called on a main event loop: the response it waits for could only
// be delivered by that very loop. The result is never canceled, only
// succeeded or failed.
func (q *Requester) PerformSyncRequest(ctx context.Context, payload value.Value) Result {
	if IsMainLoop(ctx) {
		q.logger.Panic("synchronous request issued from a main event loop")
	}
	done := make(chan Result, 1)
	id := q.StartAsyncRequest(payload, func(r Result) { done <- r })

	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		if p := q.take(id); p != nil {
			result = Failed("Request aborted: %v", ctx.Err())
		} else {
			// the response raced with ctx and its callback is on its way
			result = <-done
		}
	}
	if result.Status == StatusCanceled {
		result.Status = StatusFailed
	}
	return result
}

// Detach fails every pending request and makes later requests fail without
// being sent. It does not stop work already running on the other side.
func (q *Requester) Detach() {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return
	}
	q.detached = true
	pending := q.pending
	q.pending = make(map[RequestID]*pendingRequest)
	q.mu.Unlock()

	q.router.RemoveRoute(q)
	if len(pending) > 0 {
		q.logger.Debug("failing pending requests on detach", zap.Int("count", len(pending)))
	}
	for _, p := range pending {
		q.metrics.PendingRequestResolved()
		p.callback(Failed(detachedMessage))
	}
}

// PendingCount is the number of unresolved requests.
func (q *Requester) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Requester) take(id RequestID) *pendingRequest {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if ok {
		q.metrics.PendingRequestResolved()
	}
	return p
}

// OnTypedMessageReceived handles "<name>::response" messages.
func (q *Requester) OnTypedMessageReceived(_ context.Context, data value.Value) bool {
	resp, hasID, err := message.ParseResponse(data)
	if err != nil && !hasID {
		q.logger.Warn("dropping malformed response", zap.Error(err))
		return false
	}
	p := q.take(resp.RequestID)
	if p == nil {
		// superseded or late response, e.g. after a cancelled sync wait
		q.logger.Debug("ignoring response for unknown request", zap.Int64("request_id", resp.RequestID))
		return true
	}
	switch {
	case err != nil:
		p.callback(Failed("Malformed response: %v", err))
	case resp.ErrorMessage != nil:
		p.callback(Failed("%s", *resp.ErrorMessage))
	default:
		p.callback(Succeeded(*resp.Payload))
	}
	return true
}
