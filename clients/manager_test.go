package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/message"
	"scard-broker/middleware"
	"scard-broker/pcsc"
	"scard-broker/requesting"
	"scard-broker/router"
	"scard-broker/transport"
	"scard-broker/value"
)

// loopback delivers posted messages straight into the router.
type loopback struct {
	r *router.Router
}

func (l *loopback) PostMessage(msg message.TypedMessage) error {
	l.r.Dispatch(transport.WithSender(context.Background(), l), msg)
	return nil
}

// recorder keeps every posted message.
type recorder struct {
	messages chan message.TypedMessage
}

func newRecorder() *recorder { return &recorder{messages: make(chan message.TypedMessage, 16)} }

func (r *recorder) PostMessage(msg message.TypedMessage) error {
	r.messages <- msg
	return nil
}

func (r *recorder) next(t *testing.T) message.TypedMessage {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message posted")
		return message.TypedMessage{}
	}
}

type fixture struct {
	sim     *pcsc.Simulator
	router  *router.Router
	manager *Manager
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		sim:    pcsc.NewSimulator(nil, pcsc.ReaderConfig{Name: "Reader", Atr: []byte{0x3B, 0x00}}),
		router: router.New(nil, nil),
	}
	opts.Engine = f.sim
	opts.Router = f.router
	f.manager = New(opts)
	return f
}

func (f *fixture) create(t *testing.T, sender transport.Sender, id int64) {
	t.Helper()
	ok := f.router.Dispatch(transport.WithSender(context.Background(), sender), message.TypedMessage{
		Type: CreateHandlerMessageType(DefaultName),
		Data: value.MustFrom(CreateHandlerData{HandlerID: id, ClientNameForLog: "test"}),
	})
	require.True(t, ok)
}

func (f *fixture) deleteMessage(id int64) message.TypedMessage {
	return message.TypedMessage{
		Type: DeleteHandlerMessageType(DefaultName),
		Data: value.MustFrom(DeleteHandlerData{HandlerID: id}),
	}
}

func (f *fixture) link() *loopback { return &loopback{r: f.router} }

// adaptor calls handler id over lb, the connection that created it.
func (f *fixture) adaptor(lb *loopback, id int64) *requesting.RemoteCallAdaptor {
	q := requesting.NewRequester(HandlerRequesterName(DefaultName, id), lb, f.router, nil, nil)
	return requesting.NewRemoteCallAdaptor(q, nil)
}

func TestHandlerServesRemoteCalls(t *testing.T) {
	f := newFixture(Options{})
	lb := f.link()
	f.create(t, lb, 7)
	assert.Equal(t, 1, f.manager.HandlerCount())
	assert.True(t, f.router.HasRoute("pcsc_lite_client_handler_7_call_function::request"))

	a := f.adaptor(lb, 7)
	var (
		code pcsc.ReturnCode
		c    pcsc.Context
	)
	result := a.SyncCall(context.Background(), "SCardEstablishContext", pcsc.SCARD_SCOPE_SYSTEM, nil, nil)
	require.NoError(t, a.ExtractResultPayload(result, &code, &c))
	assert.Equal(t, pcsc.SCARD_S_SUCCESS, code)

	p, ok := f.manager.Processor(7)
	require.True(t, ok)
	assert.True(t, p.Handles().ContainsContext(c))

	result = a.SyncCall(context.Background(), "NoSuchFunction")
	assert.Equal(t, requesting.StatusFailed, result.Status)
	assert.Equal(t, `Unknown function "NoSuchFunction"`, result.ErrorMessage)
}

func TestResponsesGoToTheCreatingConnection(t *testing.T) {
	f := newFixture(Options{})
	first, second := newRecorder(), newRecorder()
	f.create(t, first, 1)
	f.create(t, second, 2)

	payload, err := requesting.BuildRemoteCallPayload("pcsc_lite_version_number")
	require.NoError(t, err)
	require.True(t, f.router.Dispatch(transport.WithSender(context.Background(), second),
		message.NewRequest(HandlerRequesterName(DefaultName, 2), 5, payload)))

	msg := second.next(t)
	assert.Equal(t, message.ResponseType(HandlerRequesterName(DefaultName, 2)), msg.Type)
	resp, _, err := message.ParseResponse(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.RequestID)
	assert.Equal(t, value.Array(value.String(pcsc.VersionNumber)), *resp.Payload)
	assert.Empty(t, first.messages)
}

func TestCreateWithoutSenderUsesDefault(t *testing.T) {
	def := newRecorder()
	f := newFixture(Options{DefaultSender: def})
	require.True(t, f.router.Dispatch(context.Background(), message.TypedMessage{
		Type: CreateHandlerMessageType(DefaultName),
		Data: value.MustFrom(CreateHandlerData{HandlerID: 1, ClientNameForLog: "x"}),
	}))

	payload, err := requesting.BuildRemoteCallPayload("pcsc_stringify_error", pcsc.SCARD_S_SUCCESS)
	require.NoError(t, err)
	f.router.Dispatch(context.Background(), message.NewRequest(HandlerRequesterName(DefaultName, 1), 1, payload))
	assert.Equal(t, message.ResponseType(HandlerRequesterName(DefaultName, 1)), def.next(t).Type)
}

func TestDuplicateAndUnknownIdsPanic(t *testing.T) {
	f := newFixture(Options{})
	sender := newRecorder()
	f.create(t, sender, 1)

	assert.Panics(t, func() { f.create(t, sender, 1) })
	assert.Panics(t, func() { f.router.Dispatch(context.Background(), f.deleteMessage(2)) })
}

func TestHandlerIgnoresOtherConnections(t *testing.T) {
	f := newFixture(Options{})
	owner, intruder := f.link(), newRecorder()
	f.create(t, owner, 1)
	a := f.adaptor(owner, 1)

	var (
		code pcsc.ReturnCode
		c    pcsc.Context
	)
	require.NoError(t, a.ExtractResultPayload(
		a.SyncCall(context.Background(), "SCardEstablishContext", pcsc.SCARD_SCOPE_SYSTEM, nil, nil), &code, &c))

	foreign := transport.WithSender(context.Background(), intruder)
	payload, err := requesting.BuildRemoteCallPayload("SCardReleaseContext", c)
	require.NoError(t, err)
	f.router.Dispatch(foreign, message.NewRequest(HandlerRequesterName(DefaultName, 1), 999, payload))
	assert.Empty(t, intruder.messages)
	require.NoError(t, f.sim.IsValidContext(c))

	// neither a duplicate create nor a delete from elsewhere touches the handler
	assert.NotPanics(t, func() {
		assert.False(t, f.router.Dispatch(foreign, message.TypedMessage{
			Type: CreateHandlerMessageType(DefaultName),
			Data: value.MustFrom(CreateHandlerData{HandlerID: 1, ClientNameForLog: "intruder"}),
		}))
	})
	assert.False(t, f.router.Dispatch(foreign, f.deleteMessage(1)))
	assert.Equal(t, 1, f.manager.HandlerCount())

	var valid pcsc.ReturnCode
	require.NoError(t, a.ExtractResultPayload(a.SyncCall(context.Background(), "SCardIsValidContext", c), &valid))
	assert.Equal(t, pcsc.SCARD_S_SUCCESS, valid)
}

func TestMalformedControlMessagesAreIgnored(t *testing.T) {
	f := newFixture(Options{})
	assert.False(t, f.router.Dispatch(transport.WithSender(context.Background(), newRecorder()), message.TypedMessage{
		Type: CreateHandlerMessageType(DefaultName),
		Data: value.Dictionary(map[string]value.Value{"handler_id": value.String("one")}),
	}))
	assert.False(t, f.router.Dispatch(context.Background(), message.TypedMessage{
		Type: CreateHandlerMessageType(DefaultName),
		Data: value.MustFrom(CreateHandlerData{HandlerID: 1, ClientNameForLog: "no sender"}),
	}))
	assert.Equal(t, 0, f.manager.HandlerCount())
}

func TestDeleteReleasesContexts(t *testing.T) {
	f := newFixture(Options{})
	lb := f.link()
	f.create(t, lb, 3)
	a := f.adaptor(lb, 3)

	var (
		code pcsc.ReturnCode
		c    pcsc.Context
	)
	require.NoError(t, a.ExtractResultPayload(
		a.SyncCall(context.Background(), "SCardEstablishContext", pcsc.SCARD_SCOPE_SYSTEM, nil, nil), &code, &c))
	require.NoError(t, f.sim.IsValidContext(c))

	require.True(t, f.router.Dispatch(transport.WithSender(context.Background(), lb), f.deleteMessage(3)))
	assert.Equal(t, 0, f.manager.HandlerCount())
	assert.False(t, f.router.HasRoute(message.RequestType(HandlerRequesterName(DefaultName, 3))))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Wait(ctx))
	assert.ErrorIs(t, f.sim.IsValidContext(c), pcsc.SCARD_E_INVALID_HANDLE)
}

func TestDropSenderDeletesItsHandlers(t *testing.T) {
	f := newFixture(Options{})
	gone, staying := newRecorder(), newRecorder()
	f.create(t, gone, 1)
	f.create(t, gone, 2)
	f.create(t, staying, 3)

	assert.Equal(t, 2, f.manager.DropSender(gone))
	assert.Equal(t, 1, f.manager.HandlerCount())
	_, ok := f.manager.Processor(3)
	assert.True(t, ok)
}

func TestShutDown(t *testing.T) {
	f := newFixture(Options{})
	f.create(t, newRecorder(), 1)
	f.manager.ShutDown()
	f.manager.ShutDown()

	assert.Equal(t, 0, f.manager.HandlerCount())
	assert.False(t, f.router.HasRoute(CreateHandlerMessageType(DefaultName)))
	assert.False(t, f.router.HasRoute(DeleteHandlerMessageType(DefaultName)))
	require.NoError(t, f.manager.Wait(context.Background()))
}

func TestMiddlewareIsPerHandler(t *testing.T) {
	f := newFixture(Options{
		NewMiddleware: func(string) middleware.Middleware {
			return middleware.RateLimitMiddleware(0.001, 1, nil)
		},
	})
	lb1, lb2 := f.link(), f.link()
	f.create(t, lb1, 1)
	f.create(t, lb2, 2)
	a1, a2 := f.adaptor(lb1, 1), f.adaptor(lb2, 2)

	assert.True(t, a1.SyncCall(context.Background(), "pcsc_lite_version_number").IsSuccessful())
	limited := a1.SyncCall(context.Background(), "pcsc_lite_version_number")
	assert.Equal(t, "rate limit exceeded", limited.ErrorMessage)
	assert.True(t, a2.SyncCall(context.Background(), "pcsc_lite_version_number").IsSuccessful())
}
