package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	"scard-broker/codec"
	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/protocol"
)

var ErrConnClosed = errors.New("transport: connection closed")

// Conn is a Peer over a byte stream, typically an ipc.Endpoint. Every message
// is one protocol frame; frames carry a per-direction sequence number that the
// reader checks to detect a corrupted stream.
type Conn struct {
	rwc    io.ReadWriteCloser
	codec  codec.Codec
	id     string
	logger *zap.Logger

	sending sync.Mutex // serializes frame writes and guards seq
	seq     uint32

	closed    atomic.Bool
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
}

func NewConn(rwc io.ReadWriteCloser, c codec.Codec, id string, logger *zap.Logger) *Conn {
	return &Conn{
		rwc:    rwc,
		codec:  c,
		id:     id,
		logger: logging.OrNop(logger).Named("conn").With(zap.String("peer", id)),
	}
}

func (c *Conn) ID() string { return c.id }

// PostMessage encodes msg and writes it as one frame.
func (c *Conn) PostMessage(msg message.TypedMessage) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	body, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %q: %w", msg.Type, err)
	}
	return c.writeFrame(protocol.MsgTypeEnvelope, body)
}

func (c *Conn) writeFrame(mt protocol.MsgType, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	c.seq++
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   mt,
		Seq:       c.seq,
	}
	if err := protocol.Encode(c.rwc, &header, body); err != nil {
		return err
	}
	c.bytesSent.Add(int64(protocol.HeaderSize + len(body)))
	return nil
}

// Serve reads frames until the stream ends, the peer says goodbye, or ctx is
// done. A clean end of stream returns nil.
func (c *Conn) Serve(ctx context.Context, d Dispatcher) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	loopCtx := loopContext(ctx, c)

	var expected uint32
	for {
		header, body, err := protocol.Decode(c.rwc)
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed.Load() {
				return nil
			}
			return err
		}
		c.bytesRecv.Add(int64(protocol.HeaderSize + len(body)))
		expected++
		if header.Seq != expected {
			return fmt.Errorf("frame out of sequence: got %d, want %d", header.Seq, expected)
		}
		if header.MsgType == protocol.MsgTypeGoodbye {
			c.logger.Debug("peer said goodbye")
			return nil
		}

		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		var msg message.TypedMessage
		if err := cdc.Decode(body, &msg); err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err), zap.Uint32("seq", header.Seq))
			continue
		}
		d.Dispatch(loopCtx, msg)
	}
}

// Close sends a goodbye frame when possible and closes the stream. Only the
// first call has an effect.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.writeFrame(protocol.MsgTypeGoodbye, nil)
	c.logger.Debug("connection closed",
		zap.String("sent", sizestr.ToString(c.bytesSent.Load())),
		zap.String("received", sizestr.ToString(c.bytesRecv.Load())))
	return c.rwc.Close()
}
