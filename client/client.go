// Package client is the application side of the broker: it dials the
// emulated socket, registers a client handler and exposes the remote PC/SC
// functions as a pcsc.Engine.
package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"scard-broker/clients"
	"scard-broker/codec"
	"scard-broker/ipc"
	"scard-broker/logging"
	"scard-broker/pcsc"
	"scard-broker/requesting"
	"scard-broker/router"
	"scard-broker/transport"
	"scard-broker/value"
)

type Options struct {
	Registry *ipc.Registry
	Queue    *ipc.AcceptQueue
	Codec    codec.Codec
	// Name is the broker's client manager name, clients.DefaultName if empty.
	Name        string
	HandlerID   int64
	ClientName  string
	ClientAppID string
	Logger      *zap.Logger
}

// Client is one registered client handler. It is safe for concurrent use;
// blocking calls like GetStatusChange can be interrupted with Cancel from
// another goroutine.
type Client struct {
	opts    Options
	conn    *transport.Conn
	adaptor *requesting.RemoteCallAdaptor
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	served    chan struct{}
}

// Dial connects to the broker and creates the client handler.
func Dial(opts Options) (*Client, error) {
	if opts.Name == "" {
		opts.Name = clients.DefaultName
	}
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeCBOR)
	}
	logger := logging.OrNop(opts.Logger).Named("client").With(zap.Int64("handler_id", opts.HandlerID))

	conn := transport.NewConn(ipc.Dial(opts.Registry, opts.Queue), opts.Codec,
		fmt.Sprintf("client-%d", opts.HandlerID), logger)
	r := router.New(logger, nil)
	requester := requesting.NewRequester(clients.HandlerRequesterName(opts.Name, opts.HandlerID), conn, r, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		conn:    conn,
		adaptor: requesting.NewRemoteCallAdaptor(requester, logger),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		served:  make(chan struct{}),
	}
	go func() {
		defer close(c.served)
		if err := conn.Serve(ctx, r); err != nil {
			logger.Warn("connection to the broker failed", zap.Error(err))
		}
		// nothing can answer pending calls anymore
		requester.Detach()
	}()

	create := clients.CreateHandlerData{
		HandlerID:        opts.HandlerID,
		ClientNameForLog: opts.ClientName,
		ClientAppID:      opts.ClientAppID,
	}
	if err := conn.PostMessage(clients.CreateHandlerMessage(opts.Name, create)); err != nil {
		c.Close()
		return nil, fmt.Errorf("create client handler: %w", err)
	}
	return c, nil
}

// Close deletes the client handler and disconnects. Contexts the client still
// holds are released by the broker.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		del := clients.DeleteHandlerMessage(c.opts.Name, clients.DeleteHandlerData{HandlerID: c.opts.HandlerID})
		if err := c.conn.PostMessage(del); err != nil {
			c.logger.Debug("delete client handler not sent", zap.Error(err))
		}
		c.adaptor.Requester().Detach()
		_ = c.conn.Close()
		c.cancel()
		<-c.served
	})
}

// call performs a remote call. A non-success return code is returned as
// error; on success the remaining result items are decoded into outs.
func (c *Client) call(function string, outs []any, args ...any) error {
	result := c.adaptor.SyncCall(c.ctx, function, args...)
	if !result.IsSuccessful() {
		return fmt.Errorf("%s: %w (%w)", function, pcsc.SCARD_F_COMM_ERROR, result.Err())
	}
	items, err := result.Payload.AsArray()
	if err != nil || len(items) == 0 {
		return fmt.Errorf("%s: malformed result %v: %w", function, result.Payload, pcsc.SCARD_F_COMM_ERROR)
	}
	var code pcsc.ReturnCode
	if err := value.Decode(items[0], &code); err != nil {
		return fmt.Errorf("%s: return code: %w", function, pcsc.SCARD_F_COMM_ERROR)
	}
	if code != pcsc.SCARD_S_SUCCESS {
		return code
	}
	return c.adaptor.ExtractResultPayload(result, append([]any{&code}, outs...)...)
}

// Version asks the broker for the PC/SC-Lite version it emulates.
func (c *Client) Version() (string, error) {
	result := c.adaptor.SyncCall(c.ctx, "pcsc_lite_version_number")
	var version string
	if err := c.adaptor.ExtractResultPayload(result, &version); err != nil {
		return "", err
	}
	return version, nil
}

// StringifyError asks the broker for the text of code.
func (c *Client) StringifyError(code pcsc.ReturnCode) (string, error) {
	result := c.adaptor.SyncCall(c.ctx, "pcsc_stringify_error", code)
	var text string
	if err := c.adaptor.ExtractResultPayload(result, &text); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) EstablishContext(scope pcsc.Scope) (pcsc.Context, error) {
	var ctx pcsc.Context
	err := c.call("SCardEstablishContext", []any{&ctx}, scope, nil, nil)
	return ctx, err
}

func (c *Client) ReleaseContext(ctx pcsc.Context) error {
	return c.call("SCardReleaseContext", nil, ctx)
}

func (c *Client) Connect(ctx pcsc.Context, reader string, share pcsc.ShareMode, preferred pcsc.Protocol) (pcsc.Handle, pcsc.Protocol, error) {
	var (
		h      pcsc.Handle
		active pcsc.Protocol
	)
	err := c.call("SCardConnect", []any{&h, &active}, ctx, reader, share, preferred)
	return h, active, err
}

func (c *Client) Reconnect(h pcsc.Handle, share pcsc.ShareMode, preferred pcsc.Protocol, initialization pcsc.Disposition) (pcsc.Protocol, error) {
	var active pcsc.Protocol
	err := c.call("SCardReconnect", []any{&active}, h, share, preferred, initialization)
	return active, err
}

func (c *Client) Disconnect(h pcsc.Handle, disposition pcsc.Disposition) error {
	return c.call("SCardDisconnect", nil, h, disposition)
}

func (c *Client) BeginTransaction(h pcsc.Handle) error {
	return c.call("SCardBeginTransaction", nil, h)
}

func (c *Client) EndTransaction(h pcsc.Handle, disposition pcsc.Disposition) error {
	return c.call("SCardEndTransaction", nil, h, disposition)
}

func (c *Client) Status(h pcsc.Handle) (pcsc.CardStatus, error) {
	var st pcsc.CardStatus
	err := c.call("SCardStatus", []any{&st.ReaderName, &st.State, &st.Protocol, &st.Atr}, h)
	return st, err
}

func (c *Client) GetStatusChange(ctx pcsc.Context, timeoutMs uint32, states []pcsc.ReaderStateIn) ([]pcsc.ReaderStateOut, error) {
	var out []pcsc.ReaderStateOut
	err := c.call("SCardGetStatusChange", []any{&out}, ctx, timeoutMs, states)
	return out, err
}

func (c *Client) Control(h pcsc.Handle, controlCode uint32, data []byte) ([]byte, error) {
	var resp []byte
	err := c.call("SCardControl", []any{&resp}, h, controlCode, data)
	return resp, err
}

func (c *Client) GetAttrib(h pcsc.Handle, attrID uint32) ([]byte, error) {
	var attr []byte
	err := c.call("SCardGetAttrib", []any{&attr}, h, attrID)
	return attr, err
}

func (c *Client) SetAttrib(h pcsc.Handle, attrID uint32, attr []byte) error {
	return c.call("SCardSetAttrib", nil, h, attrID, attr)
}

func (c *Client) Transmit(h pcsc.Handle, sendPCI pcsc.IORequest, data []byte, recvPCI *pcsc.IORequest) (pcsc.IORequest, []byte, error) {
	var (
		out  pcsc.IORequest
		resp []byte
	)
	err := c.call("SCardTransmit", []any{&out, &resp}, h, sendPCI, data, recvPCI)
	return out, resp, err
}

func (c *Client) ListReaders(ctx pcsc.Context) ([]string, error) {
	var readers []string
	err := c.call("SCardListReaders", []any{&readers}, ctx, nil)
	return readers, err
}

func (c *Client) ListReaderGroups(ctx pcsc.Context) ([]string, error) {
	var groups []string
	err := c.call("SCardListReaderGroups", []any{&groups}, ctx)
	return groups, err
}

func (c *Client) Cancel(ctx pcsc.Context) error {
	return c.call("SCardCancel", nil, ctx)
}

func (c *Client) IsValidContext(ctx pcsc.Context) error {
	return c.call("SCardIsValidContext", nil, ctx)
}

var _ pcsc.Engine = (*Client)(nil)
