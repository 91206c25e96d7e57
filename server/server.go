// Package server runs the broker's side of client connections.
//
// Connection processing pipeline:
//
//	AcceptQueue.WaitAndPop → ServePeer (one goroutine per connection reads frames)
//	  → Router.Dispatch on the connection's main loop
//	    → request receivers spawn a goroutine per remote call and reply on the same peer
//
// Websocket peers take the same path through ServePeer, called from the HTTP
// handler goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"scard-broker/codec"
	"scard-broker/ipc"
	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/transport"
)

type Options struct {
	Registry   *ipc.Registry
	Queue      *ipc.AcceptQueue
	Dispatcher transport.Dispatcher
	Codec      codec.Codec
	// OnDisconnect runs after a peer's read loop ended, before it is closed.
	OnDisconnect func(transport.Peer)
	Logger       *zap.Logger
}

type Server struct {
	registry     *ipc.Registry
	queue        *ipc.AcceptQueue
	dispatcher   transport.Dispatcher
	codec        codec.Codec
	onDisconnect func(transport.Peer)
	logger       *zap.Logger

	wg       sync.WaitGroup // tracks live connections for graceful shutdown
	shutdown atomic.Bool    // set during shutdown so that new peers are refused

	mu    sync.Mutex
	peers map[string]transport.Peer
}

func New(opts Options) *Server {
	c := opts.Codec
	if c == nil {
		c = codec.GetCodec(codec.CodecTypeCBOR)
	}
	return &Server{
		registry:     opts.Registry,
		queue:        opts.Queue,
		dispatcher:   opts.Dispatcher,
		codec:        c,
		onDisconnect: opts.OnDisconnect,
		logger:       logging.OrNop(opts.Logger).Named("server"),
		peers:        make(map[string]transport.Peer),
	}
}

// Serve accepts emulated connections until the accept queue shuts down or ctx
// is done.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.queue.ShutDown)
	defer stop()

	for {
		id, ok := s.queue.WaitAndPop()
		if !ok {
			return nil
		}
		conn := transport.NewConn(s.registry.Endpoint(id), s.codec, fmt.Sprintf("ipc-%d", id), s.logger)
		go func() {
			if err := s.ServePeer(ctx, conn); err != nil {
				s.logger.Warn("connection ended with error", zap.String("peer", conn.ID()), zap.Error(err))
			}
		}()
	}
}

// ServePeer runs p's read loop until it ends, then forgets and closes p.
func (s *Server) ServePeer(ctx context.Context, p transport.Peer) error {
	if !s.addPeer(p) {
		_ = p.Close()
		return errors.New("server: shutting down")
	}
	// the cleanup also runs while a panic unwinds the read loop
	defer func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.peers, p.ID())
		s.mu.Unlock()
		if s.onDisconnect != nil {
			s.onDisconnect(p)
		}
		_ = p.Close()
		s.logger.Info("peer disconnected", zap.String("peer", p.ID()))
	}()
	s.logger.Info("peer connected", zap.String("peer", p.ID()))
	return p.Serve(ctx, s.dispatcher)
}

func (s *Server) addPeer(p transport.Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	if _, dup := s.peers[p.ID()]; dup {
		s.logger.Panic("duplicate peer id", zap.String("peer", p.ID()))
	}
	s.peers[p.ID()] = p
	s.wg.Add(1)
	return true
}

// PostMessage broadcasts msg to every connected peer.
func (s *Server) PostMessage(msg message.TypedMessage) error {
	s.mu.Lock()
	peers := make([]transport.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.PostMessage(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so no new peer is served
//  2. Shut the accept queue down (Serve returns)
//  3. Close every peer, which ends its read loop
//  4. Wait for the read loops to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	peers := make([]transport.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.queue.ShutDown()
	for _, p := range peers {
		_ = p.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for %d connections to close", s.PeerCount())
	}
}
