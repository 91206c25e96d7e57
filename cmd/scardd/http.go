package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"scard-broker/broker"
	"scard-broker/codec"
	"scard-broker/config"
	"scard-broker/logging"
	"scard-broker/transport"
)

// newHTTPHandler routes the websocket endpoint, metrics and health checks.
// Websocket peers are served until ctx is done or they disconnect.
func newHTTPHandler(ctx context.Context, b *broker.Broker, cdc codec.Codec, gatherer prometheus.Gatherer, cfg config.HTTPConfig, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger).Named("http")
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	r := chi.NewRouter()
	// a panic on a websocket read loop is a broker invariant violation and
	// must not be recovered, so ServePeer runs off the handler goroutine,
	// where net/http cannot recover it either
	r.Get(cfg.WebSocketPath, func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		peer := transport.NewWebSocketConn(conn, cdc, "ws-"+uuid.NewString(), logger)
		done := make(chan error, 1)
		go func() { done <- b.ServePeer(ctx, peer) }()
		if err := <-done; err != nil {
			logger.Info("websocket peer ended", zap.String("peer", peer.ID()), zap.Error(err))
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
	})
	return r
}
