package ipc

import (
	"sync"

	"go.uber.org/zap"

	"scard-broker/logging"
)

// AcceptQueue is the listening side of the emulated socket: Dial pushes the
// server end of a fresh pair, the daemon pops it.
type AcceptQueue struct {
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []int64
	shutDown bool
}

func NewAcceptQueue(registry *Registry, logger *zap.Logger) *AcceptQueue {
	q := &AcceptQueue{registry: registry, logger: logging.OrNop(logger).Named("accept_queue")}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a server-side channel id. After ShutDown the channel is
// closed instead, so the dialing side sees a dead connection.
func (q *AcceptQueue) Push(id int64) {
	q.mu.Lock()
	if q.shutDown {
		q.mu.Unlock()
		q.logger.Debug("rejecting connection after shutdown", zap.Int64("id", id))
		_ = q.registry.Close(id)
		return
	}
	q.queue = append(q.queue, id)
	q.cond.Signal()
	q.mu.Unlock()
}

// WaitAndPop blocks until a connection is queued or the queue is shut down.
// ok is false only after shutdown.
func (q *AcceptQueue) WaitAndPop() (id int64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) == 0 && !q.shutDown {
		q.cond.Wait()
	}
	if q.shutDown {
		return 0, false
	}
	id = q.queue[0]
	q.queue = q.queue[1:]
	return id, true
}

// ShutDown wakes every waiter and closes the connections nobody accepted.
func (q *AcceptQueue) ShutDown() {
	q.mu.Lock()
	if q.shutDown {
		q.mu.Unlock()
		return
	}
	q.shutDown = true
	pending := q.queue
	q.queue = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, id := range pending {
		_ = q.registry.Close(id)
	}
}

// Dial emulates connect(): it creates a blocking channel pair, queues the
// server end, and returns the client end.
func Dial(registry *Registry, queue *AcceptQueue) *Endpoint {
	clientID, serverID := registry.CreatePair(true)
	queue.Push(serverID)
	return registry.Endpoint(clientID)
}
