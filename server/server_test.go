package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/codec"
	"scard-broker/ipc"
	"scard-broker/message"
	"scard-broker/router"
	"scard-broker/transport"
	"scard-broker/value"
)

type fixture struct {
	registry     *ipc.Registry
	queue        *ipc.AcceptQueue
	server       *Server
	disconnected atomic.Int32
}

// newFixture serves a router whose "echo" route replies "echoed" to the sender.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{registry: ipc.NewRegistry(nil, nil)}
	f.queue = ipc.NewAcceptQueue(f.registry, nil)

	r := router.New(nil, nil)
	r.AddRoute("echo", router.ListenerFunc(func(ctx context.Context, data value.Value) bool {
		s, ok := transport.SenderFromContext(ctx)
		require.True(t, ok)
		_ = s.PostMessage(message.TypedMessage{Type: "echoed", Data: data})
		return true
	}))

	f.server = New(Options{
		Registry:     f.registry,
		Queue:        f.queue,
		Dispatcher:   r,
		Codec:        codec.GetCodec(codec.CodecTypeCBOR),
		OnDisconnect: func(transport.Peer) { f.disconnected.Add(1) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.server.Serve(ctx) }()
	return f
}

// dial connects a client whose received messages land in the returned channel.
func (f *fixture) dial(t *testing.T) (*transport.Conn, chan message.TypedMessage) {
	t.Helper()
	received := make(chan message.TypedMessage, 8)
	r := router.New(nil, nil)
	for _, typ := range []string{"echoed", "broadcast"} {
		typ := typ
		r.AddRoute(typ, router.ListenerFunc(func(_ context.Context, data value.Value) bool {
			received <- message.TypedMessage{Type: typ, Data: data}
			return true
		}))
	}
	conn := transport.NewConn(ipc.Dial(f.registry, f.queue), codec.GetCodec(codec.CodecTypeJSON), "client", nil)
	go func() { _ = conn.Serve(context.Background(), r) }()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, received
}

func receive(t *testing.T, ch chan message.TypedMessage) message.TypedMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return message.TypedMessage{}
	}
}

func TestServerRepliesOnSameConnection(t *testing.T) {
	f := newFixture(t)
	conn, received := f.dial(t)

	require.NoError(t, conn.PostMessage(message.TypedMessage{Type: "echo", Data: value.String("ping")}))
	msg := receive(t, received)
	assert.Equal(t, "echoed", msg.Type)
	assert.True(t, value.String("ping").Equal(msg.Data))
}

func TestServerBroadcast(t *testing.T) {
	f := newFixture(t)
	_, first := f.dial(t)
	_, second := f.dial(t)
	require.Eventually(t, func() bool { return f.server.PeerCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.server.PostMessage(message.TypedMessage{Type: "broadcast", Data: value.Int(7)}))
	for _, ch := range []chan message.TypedMessage{first, second} {
		msg := receive(t, ch)
		assert.Equal(t, "broadcast", msg.Type)
	}
}

func TestServerForgetsClosedPeer(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.dial(t)
	require.Eventually(t, func() bool { return f.server.PeerCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.server.PeerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.disconnected.Load())
}

// panicPeer is a link whose read loop panics.
type panicPeer struct{ closed atomic.Bool }

func (p *panicPeer) PostMessage(message.TypedMessage) error { return nil }
func (p *panicPeer) Serve(context.Context, transport.Dispatcher) error {
	panic("read loop invariant violated")
}
func (p *panicPeer) Close() error { p.closed.Store(true); return nil }
func (p *panicPeer) ID() string { return "panicking" }

func TestServerCleansUpPeerWhoseReadLoopPanics(t *testing.T) {
	f := newFixture(t)
	p := &panicPeer{}

	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		_ = f.server.ServePeer(context.Background(), p)
	}()

	select {
	case r := <-recovered:
		assert.Equal(t, "read loop invariant violated", r)
	case <-time.After(2 * time.Second):
		t.Fatal("ServePeer did not return")
	}
	assert.Equal(t, 0, f.server.PeerCount())
	assert.Equal(t, int32(1), f.disconnected.Load())
	assert.True(t, p.closed.Load())
	// nothing is left for shutdown to wait on
	require.NoError(t, f.server.Shutdown(time.Second))
}

func TestServerShutdown(t *testing.T) {
	f := newFixture(t)
	f.dial(t)
	f.dial(t)
	require.Eventually(t, func() bool { return f.server.PeerCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.server.Shutdown(2*time.Second))
	assert.Equal(t, 0, f.server.PeerCount())
	assert.Equal(t, int32(2), f.disconnected.Load())

	// connections dialed after shutdown are closed immediately
	late := ipc.Dial(f.registry, f.queue)
	_, err := late.Write([]byte("x"))
	assert.Error(t, err)
}
