package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/broker"
	"scard-broker/clients"
	"scard-broker/codec"
	"scard-broker/config"
	"scard-broker/message"
	"scard-broker/metrics"
	"scard-broker/pcsc"
	"scard-broker/requesting"
	"scard-broker/value"
)

func startHTTP(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	registry := prometheus.NewRegistry()
	sim := pcsc.NewSimulator(nil, pcsc.ReaderConfig{Name: "Reader 0", Atr: []byte{0x3B, 0x00}})
	b := broker.New(broker.Options{
		Engine:  sim,
		Metrics: metrics.New(metrics.WithRegistry(registry)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(newHTTPHandler(ctx, b, codec.GetCodec(codec.CodecTypeJSON), registry, config.Default().HTTP, nil))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = b.Shutdown(time.Second)
	})
	return srv, b
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := startHTTP(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "scard_broker_")
}

func TestWebSocketClientCallsFunctions(t *testing.T) {
	srv, b := startHTTP(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	cdc := codec.GetCodec(codec.CodecTypeJSON)
	send := func(msg message.TypedMessage) {
		t.Helper()
		body, err := cdc.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))
	}

	send(clients.CreateHandlerMessage(clients.DefaultName, clients.CreateHandlerData{HandlerID: 3, ClientNameForLog: "ws"}))
	payload, err := requesting.BuildRemoteCallPayload("SCardEstablishContext", pcsc.SCARD_SCOPE_SYSTEM, nil, nil)
	require.NoError(t, err)
	send(message.NewRequest(clients.HandlerRequesterName(clients.DefaultName, 3), 1, payload))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, body, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, frameType)

	var msg message.TypedMessage
	require.NoError(t, cdc.Decode(body, &msg))
	assert.Equal(t, message.ResponseType(clients.HandlerRequesterName(clients.DefaultName, 3)), msg.Type)
	resp, _, err := message.ParseResponse(msg.Data)
	require.NoError(t, err)
	require.NotNil(t, resp.Payload)

	var (
		code pcsc.ReturnCode
		c    pcsc.Context
	)
	items, err := resp.Payload.AsArray()
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NoError(t, value.Decode(items[0], &code))
	require.NoError(t, value.Decode(items[1], &c))
	assert.Equal(t, pcsc.SCARD_S_SUCCESS, code)

	p, ok := b.Clients().Processor(3)
	require.True(t, ok)
	assert.True(t, p.Handles().ContainsContext(c))

	// closing the websocket drops the handler
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.Clients().HandlerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
