package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/codec"
	"scard-broker/ipc"
	"scard-broker/message"
	"scard-broker/protocol"
	"scard-broker/requesting"
	"scard-broker/value"
)

type received struct {
	ctx context.Context
	msg message.TypedMessage
}

type dispatchFunc func(ctx context.Context, msg message.TypedMessage) bool

func (f dispatchFunc) Dispatch(ctx context.Context, msg message.TypedMessage) bool { return f(ctx, msg) }

func collector() (Dispatcher, chan received) {
	ch := make(chan received, 16)
	return dispatchFunc(func(ctx context.Context, msg message.TypedMessage) bool {
		ch <- received{ctx: ctx, msg: msg}
		return true
	}), ch
}

func next(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("nothing dispatched")
		return received{}
	}
}

func ipcPair(t *testing.T) (*ipc.Endpoint, *ipc.Endpoint) {
	t.Helper()
	r := ipc.NewRegistry(nil, nil)
	q := ipc.NewAcceptQueue(r, nil)
	client := ipc.Dial(r, q)
	id, ok := q.WaitAndPop()
	require.True(t, ok)
	return client, r.Endpoint(id)
}

func serve(p Peer, d Dispatcher) chan error {
	done := make(chan error, 1)
	go func() { done <- p.Serve(context.Background(), d) }()
	return done
}

func TestConnDeliversMessagesInOrder(t *testing.T) {
	a, b := ipcPair(t)
	sender := NewConn(a, codec.GetCodec(codec.CodecTypeCBOR), "a", nil)
	receiver := NewConn(b, codec.GetCodec(codec.CodecTypeJSON), "b", nil)
	d, ch := collector()
	done := serve(receiver, d)

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.PostMessage(message.TypedMessage{Type: "n", Data: value.Int(int64(i))}))
	}
	for i := 0; i < 5; i++ {
		r := next(t, ch)
		n, err := r.msg.Data.AsInt64()
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	require.NoError(t, sender.Close())
	assert.NoError(t, <-done)
	assert.ErrorIs(t, sender.PostMessage(message.TypedMessage{Type: "n"}), ErrConnClosed)
}

func TestReadLoopContext(t *testing.T) {
	a, b := ipcPair(t)
	sender := NewConn(a, codec.GetCodec(codec.CodecTypeCBOR), "a", nil)
	receiver := NewConn(b, codec.GetCodec(codec.CodecTypeCBOR), "b", nil)
	d, ch := collector()
	serve(receiver, d)
	defer sender.Close()

	require.NoError(t, sender.PostMessage(message.TypedMessage{Type: "x", Data: value.Null()}))
	r := next(t, ch)
	assert.True(t, requesting.IsMainLoop(r.ctx))
	s, ok := SenderFromContext(r.ctx)
	require.True(t, ok)
	assert.Same(t, receiver, s)
}

func TestConnRejectsOutOfSequenceFrames(t *testing.T) {
	a, b := ipcPair(t)
	receiver := NewConn(b, codec.GetCodec(codec.CodecTypeCBOR), "b", nil)
	d, _ := collector()
	done := serve(receiver, d)

	body, err := codec.GetCodec(codec.CodecTypeCBOR).Encode(message.TypedMessage{Type: "x", Data: value.Null()})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(a, &protocol.Header{CodecType: protocol.CodecTypeCBOR, Seq: 2}, body))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "out of sequence")
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
}

func TestConnSkipsUndecodableFrames(t *testing.T) {
	a, b := ipcPair(t)
	receiver := NewConn(b, codec.GetCodec(codec.CodecTypeCBOR), "b", nil)
	d, ch := collector()
	serve(receiver, d)

	require.NoError(t, protocol.Encode(a, &protocol.Header{CodecType: protocol.CodecTypeJSON, Seq: 1}, []byte("{")))
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(message.TypedMessage{Type: "ok", Data: value.Null()})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(a, &protocol.Header{CodecType: protocol.CodecTypeJSON, Seq: 2}, body))

	assert.Equal(t, "ok", next(t, ch).msg.Type)
}

func TestServeStopsWithContext(t *testing.T) {
	_, b := ipcPair(t)
	receiver := NewConn(b, codec.GetCodec(codec.CodecTypeCBOR), "b", nil)
	d, _ := collector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receiver.Serve(ctx, d) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop ignored ctx")
	}
}

func TestWebSocketConn(t *testing.T) {
	d, ch := collector()
	serverDone := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		peer := NewWebSocketConn(conn, codec.GetCodec(codec.CodecTypeJSON), "ws", nil)
		serverDone <- peer.Serve(context.Background(), d)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewWebSocketConn(conn, codec.GetCodec(codec.CodecTypeCBOR), "client", nil)

	require.NoError(t, client.PostMessage(message.TypedMessage{Type: "hello", Data: value.Binary([]byte{1, 2})}))
	r := next(t, ch)
	assert.Equal(t, "hello", r.msg.Type)
	assert.True(t, value.Binary([]byte{1, 2}).Equal(r.msg.Data))

	// replies go back through the peer found in the context
	s, ok := SenderFromContext(r.ctx)
	require.True(t, ok)
	require.NoError(t, s.PostMessage(message.TypedMessage{Type: "reply", Data: value.String("hi")}))
	frameType, body, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, frameType)
	var reply message.TypedMessage
	require.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(body, &reply))
	assert.Equal(t, "reply", reply.Type)

	require.NoError(t, client.Close())
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server peer did not see the close")
	}
}
