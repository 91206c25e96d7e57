package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"scard-broker/codec"
	"scard-broker/logging"
	"scard-broker/message"
)

const writeWait = 10 * time.Second

// WebSocketConn is a Peer over a websocket: each message is one websocket
// message, text frames for JSON and binary frames for CBOR.
type WebSocketConn struct {
	conn   *websocket.Conn
	codec  codec.Codec
	id     string
	logger *zap.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewWebSocketConn(conn *websocket.Conn, c codec.Codec, id string, logger *zap.Logger) *WebSocketConn {
	return &WebSocketConn{
		conn:   conn,
		codec:  c,
		id:     id,
		logger: logging.OrNop(logger).Named("websocket").With(zap.String("peer", id)),
	}
}

func (w *WebSocketConn) ID() string { return w.id }

func (w *WebSocketConn) PostMessage(msg message.TypedMessage) error {
	if w.closed.Load() {
		return ErrConnClosed
	}
	body, err := w.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %q: %w", msg.Type, err)
	}
	frameType := websocket.BinaryMessage
	if w.codec.Type() == codec.CodecTypeJSON {
		frameType = websocket.TextMessage
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(frameType, body)
}

func (w *WebSocketConn) Serve(ctx context.Context, d Dispatcher) error {
	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()
	loopCtx := loopContext(ctx, w)

	for {
		frameType, body, err := w.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if w.closed.Load() || errors.As(err, &closeErr) {
				return nil
			}
			return err
		}
		cdc := codec.GetCodec(codec.CodecTypeCBOR)
		if frameType == websocket.TextMessage {
			cdc = codec.GetCodec(codec.CodecTypeJSON)
		}
		var msg message.TypedMessage
		if err := cdc.Decode(body, &msg); err != nil {
			w.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		d.Dispatch(loopCtx, msg)
	}
}

func (w *WebSocketConn) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
