// Package ipc emulates OS pipes and socket-pairs inside one process.
//
// A Registry hands out channel pairs identified by integer ids. Bytes written
// to one end land in the other end's buffer; each end is a FIFO byte stream
// without message boundaries. Closing either end closes both and wakes every
// goroutine blocked on them.
//
//	writer ── Write(id1) ──► buffer of id2 ── Read(id2) ──► reader
//	reader ◄── Read(id1) ─── buffer of id1 ◄── Write(id2) ── writer
package ipc

import (
	"errors"
	"math"
	"sync"
	"time"
	"weak"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/metrics"
)

var (
	ErrUnknownChannel = errors.New("ipc: no such channel")
	ErrPeerClosed     = errors.New("ipc: peer end is closed")
	ErrClosed         = errors.New("ipc: channel is closed")
	ErrAlreadyClosed  = errors.New("ipc: channel already closed")
	ErrNoData         = errors.New("ipc: no data available")
)

// ReadState is the outcome of WaitReadable.
type ReadState int

const (
	Readable ReadState = iota
	Closed
	TimedOut
)

func (s ReadState) String() string {
	switch s {
	case Readable:
		return "readable"
	case Closed:
		return "closed"
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

type channel struct {
	id       int64
	blocking bool

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	// The registry keeps both ends alive while they are open; the weak link
	// lets a closed end be collected while its peer is still referenced.
	peer weak.Pointer[channel]
}

func newChannel(id int64, blocking bool) *channel {
	c := &channel{id: id, blocking: blocking}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// markClosed reports whether this call did the transition, and how many
// unread bytes were dropped.
func (c *channel) markClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, 0
	}
	c.closed = true
	dropped := len(c.buf)
	c.buf = nil
	c.cond.Broadcast()
	return true, dropped
}

func (c *channel) push(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.buf = append(c.buf, data...)
	c.cond.Broadcast()
	return true
}

// wait blocks until the buffer is non-empty, the channel is closed, or the
// deadline passes. A zero deadline waits forever. c.mu must be held.
func (c *channel) wait(deadline time.Time) ReadState {
	if !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
	}
	for {
		if c.closed {
			return Closed
		}
		if len(c.buf) > 0 {
			return Readable
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return TimedOut
		}
		c.cond.Wait()
	}
}

// Registry owns every channel end created through it.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	nextID   int64
	channels map[int64]*channel
}

func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:   logging.OrNop(logger).Named("ipc"),
		metrics:  m,
		nextID:   1,
		channels: make(map[int64]*channel),
	}
}

// CreatePair creates two connected channel ends. Ids are strictly increasing
// and never reused for the lifetime of the registry.
func (r *Registry) CreatePair(blocking bool) (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextID >= math.MaxInt64-1 {
		r.logger.Panic("channel id space exhausted", zap.Int64("next_id", r.nextID))
	}
	first := newChannel(r.nextID, blocking)
	second := newChannel(r.nextID+1, blocking)
	r.nextID += 2
	first.peer = weak.Make(second)
	second.peer = weak.Make(first)
	r.channels[first.id] = first
	r.channels[second.id] = second
	r.metrics.ChannelOpened()
	r.metrics.ChannelOpened()
	r.logger.Debug("channel pair created", zap.Int64("first", first.id), zap.Int64("second", second.id))
	return first.id, second.id
}

func (r *Registry) find(id int64) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[id]
}

// Write delivers data into the peer's buffer. It fails if the peer is closed
// or gone. An empty write succeeds without touching the peer.
func (r *Registry) Write(id int64, data []byte) error {
	c := r.find(id)
	if c == nil {
		return ErrUnknownChannel
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	peer := c.peer.Value()
	if peer == nil || !peer.push(data) {
		return ErrPeerClosed
	}
	r.metrics.ChannelBytesWritten(len(data))
	return nil
}

// Read copies up to maxLen buffered bytes. It returns as soon as anything was
// copied, so it may return fewer bytes than requested. An empty non-blocking
// channel yields ErrNoData; a blocking one waits for data or close.
func (r *Registry) Read(id int64, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		return nil, nil
	}
	c := r.find(id)
	if c == nil {
		return nil, ErrUnknownChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocking && !c.closed && len(c.buf) == 0 {
		c.wait(time.Time{})
	}
	if c.closed {
		return nil, ErrClosed
	}
	if len(c.buf) == 0 {
		return nil, ErrNoData
	}
	n := min(maxLen, len(c.buf))
	out := make([]byte, n)
	copy(out, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return out, nil
}

// WaitReadable blocks until the channel has data, is closed, or timeout
// elapses. A negative timeout waits forever.
func (r *Registry) WaitReadable(id int64, timeout time.Duration) (ReadState, error) {
	c := r.find(id)
	if c == nil {
		return Closed, ErrUnknownChannel
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wait(deadline), nil
}

// Close closes both ends of the pair and forgets id. Closing an id a second
// time reports ErrAlreadyClosed.
func (r *Registry) Close(id int64) error {
	r.mu.Lock()
	c, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrAlreadyClosed
	}
	r.metrics.ChannelClosed()

	_, dropped := c.markClosed()
	if peer := c.peer.Value(); peer != nil {
		if changed, peerDropped := peer.markClosed(); changed {
			dropped += peerDropped
		}
	}
	if dropped > 0 {
		r.logger.Debug("channel closed with unread data",
			zap.Int64("id", id), zap.String("discarded", sizestr.ToString(int64(dropped))))
	} else {
		r.logger.Debug("channel closed", zap.Int64("id", id))
	}
	return nil
}

// OpenCount is the number of channel ends not yet closed through Close.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
