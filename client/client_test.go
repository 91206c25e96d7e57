package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/clients"
	"scard-broker/ipc"
	"scard-broker/pcsc"
	"scard-broker/router"
	"scard-broker/server"
	"scard-broker/transport"
)

var testAtr = []byte{0x3B, 0x8F, 0x80, 0x01}

type broker struct {
	registry *ipc.Registry
	queue    *ipc.AcceptQueue
	sim      *pcsc.Simulator
	manager  *clients.Manager
	server   *server.Server
}

func startBroker(t *testing.T) *broker {
	t.Helper()
	b := &broker{registry: ipc.NewRegistry(nil, nil)}
	b.queue = ipc.NewAcceptQueue(b.registry, nil)
	b.sim = pcsc.NewSimulator(nil, pcsc.ReaderConfig{Name: "Reader 0", Atr: testAtr})
	r := router.New(nil, nil)
	b.manager = clients.New(clients.Options{Engine: b.sim, Router: r})
	b.server = server.New(server.Options{
		Registry:     b.registry,
		Queue:        b.queue,
		Dispatcher:   r,
		OnDisconnect: func(p transport.Peer) { b.manager.DropSender(p) },
	})
	go func() { _ = b.server.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = b.server.Shutdown(time.Second)
		b.manager.ShutDown()
	})
	return b
}

func (b *broker) dial(t *testing.T, id int64) *Client {
	t.Helper()
	c, err := Dial(Options{Registry: b.registry, Queue: b.queue, HandlerID: id, ClientName: "test"})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestVersionAndStringify(t *testing.T) {
	c := startBroker(t).dial(t, 1)

	version, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, pcsc.VersionNumber, version)

	text, err := c.StringifyError(pcsc.SCARD_E_TIMEOUT)
	require.NoError(t, err)
	assert.Equal(t, pcsc.StringifyError(pcsc.SCARD_E_TIMEOUT), text)
}

func TestCardSession(t *testing.T) {
	b := startBroker(t)
	c := b.dial(t, 1)

	ctx, err := c.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	require.NoError(t, err)
	require.NoError(t, c.IsValidContext(ctx))

	readers, err := c.ListReaders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Reader 0"}, readers)

	groups, err := c.ListReaderGroups(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, groups)

	h, active, err := c.Connect(ctx, "Reader 0", pcsc.SCARD_SHARE_SHARED, pcsc.SCARD_PROTOCOL_ANY)
	require.NoError(t, err)
	assert.Equal(t, pcsc.SCARD_PROTOCOL_T1, active)

	st, err := c.Status(h)
	require.NoError(t, err)
	assert.Equal(t, "Reader 0", st.ReaderName)
	assert.Equal(t, testAtr, st.Atr)

	require.NoError(t, c.BeginTransaction(h))
	pci, resp, err := c.Transmit(h, pcsc.IORequest{Protocol: active}, []byte{0x00, 0xA4}, nil)
	require.NoError(t, err)
	assert.Equal(t, active, pci.Protocol)
	assert.Equal(t, []byte{0x00, 0xA4, 0x90, 0x00}, resp)
	require.NoError(t, c.EndTransaction(h, pcsc.SCARD_LEAVE_CARD))

	attr, err := c.GetAttrib(h, pcsc.SCARD_ATTR_ATR_STRING)
	require.NoError(t, err)
	assert.Equal(t, testAtr, attr)

	require.NoError(t, c.Disconnect(h, pcsc.SCARD_LEAVE_CARD))
	require.NoError(t, c.ReleaseContext(ctx))
	assert.Equal(t, pcsc.SCARD_E_INVALID_HANDLE, pcsc.CodeOf(c.IsValidContext(ctx)))
}

func TestErrorCodesComeBackAsErrors(t *testing.T) {
	c := startBroker(t).dial(t, 1)

	ctx, err := c.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	require.NoError(t, err)
	_, _, err = c.Connect(ctx, "No Such Reader", pcsc.SCARD_SHARE_SHARED, pcsc.SCARD_PROTOCOL_ANY)
	var code pcsc.ReturnCode
	require.True(t, errors.As(err, &code))
	assert.Equal(t, pcsc.SCARD_E_UNKNOWN_READER, code)
}

func TestCancelInterruptsStatusChange(t *testing.T) {
	c := startBroker(t).dial(t, 1)
	ctx, err := c.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	require.NoError(t, err)

	states := []pcsc.ReaderStateIn{{ReaderName: "Reader 0", CurrentState: pcsc.SCARD_STATE_PRESENT}}
	out, err := c.GetStatusChange(ctx, 0, states)
	require.Error(t, err)
	assert.Equal(t, pcsc.SCARD_E_TIMEOUT, pcsc.CodeOf(err))
	assert.Nil(t, out)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetStatusChange(ctx, pcsc.INFINITE, states)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Cancel(ctx))
	select {
	case err := <-done:
		assert.Equal(t, pcsc.SCARD_E_CANCELLED, pcsc.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("GetStatusChange was not cancelled")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	b := startBroker(t)
	first, second := b.dial(t, 1), b.dial(t, 2)

	ctx, err := first.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	require.NoError(t, err)
	h, _, err := first.Connect(ctx, "Reader 0", pcsc.SCARD_SHARE_SHARED, pcsc.SCARD_PROTOCOL_ANY)
	require.NoError(t, err)

	_, err = second.Status(h)
	assert.Equal(t, pcsc.SCARD_E_INVALID_HANDLE, pcsc.CodeOf(err))
	assert.Equal(t, pcsc.SCARD_E_INVALID_HANDLE, pcsc.CodeOf(second.ReleaseContext(ctx)))

	_, err = first.Status(h)
	assert.NoError(t, err)
}

func TestCloseReleasesContexts(t *testing.T) {
	b := startBroker(t)
	c := b.dial(t, 1)
	ctx, err := c.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	require.NoError(t, err)

	c.Close()
	require.Eventually(t, func() bool { return b.manager.HandlerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.sim.IsValidContext(ctx) != nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err = c.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	assert.Equal(t, pcsc.SCARD_F_COMM_ERROR, pcsc.CodeOf(err))
}

func TestBrokerGoneFailsCalls(t *testing.T) {
	b := startBroker(t)
	c := b.dial(t, 1)
	_, err := c.Version()
	require.NoError(t, err)

	require.NoError(t, b.server.Shutdown(time.Second))
	_, err = c.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	assert.Equal(t, pcsc.SCARD_F_COMM_ERROR, pcsc.CodeOf(err))
}
