// Package handles tracks which PC/SC contexts and card handles belong to a client.
package handles

import (
	"sync"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/pcsc"
)

// Registry maps contexts to the card handles created under them. Every
// tracked handle belongs to exactly one registered context. Bookkeeping
// mistakes are broker bugs and panic.
type Registry struct {
	logger *zap.Logger

	mu              sync.Mutex
	contexts        map[pcsc.Context]map[pcsc.Handle]struct{}
	handleToContext map[pcsc.Handle]pcsc.Context
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:          logging.OrNop(logger).Named("handles"),
		contexts:        make(map[pcsc.Context]map[pcsc.Handle]struct{}),
		handleToContext: make(map[pcsc.Handle]pcsc.Context),
	}
}

func (r *Registry) ContainsContext(ctx pcsc.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.contexts[ctx]
	return ok
}

func (r *Registry) AddContext(ctx pcsc.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[ctx]; ok {
		r.logger.Panic("context already tracked", zap.Uint64("context", uint64(ctx)))
	}
	r.contexts[ctx] = make(map[pcsc.Handle]struct{})
}

// RemoveContext forgets ctx and every handle under it.
func (r *Registry) RemoveContext(ctx pcsc.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.contexts[ctx]
	if !ok {
		r.logger.Panic("removing unknown context", zap.Uint64("context", uint64(ctx)))
	}
	for h := range hs {
		owner, ok := r.handleToContext[h]
		if !ok || owner != ctx {
			r.logger.Panic("handle maps out of sync",
				zap.Uint64("context", uint64(ctx)), zap.Uint64("handle", uint64(h)))
		}
		delete(r.handleToContext, h)
	}
	delete(r.contexts, ctx)
}

// TryRemoveContext is RemoveContext for a context that may already be gone.
func (r *Registry) TryRemoveContext(ctx pcsc.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.contexts[ctx]
	if !ok {
		return false
	}
	for h := range hs {
		delete(r.handleToContext, h)
	}
	delete(r.contexts, ctx)
	return true
}

func (r *Registry) ContainsHandle(h pcsc.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handleToContext[h]
	return ok
}

func (r *Registry) AddHandle(ctx pcsc.Context, h pcsc.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.contexts[ctx]
	if !ok {
		r.logger.Panic("adding handle to unknown context",
			zap.Uint64("context", uint64(ctx)), zap.Uint64("handle", uint64(h)))
	}
	if _, dup := r.handleToContext[h]; dup {
		r.logger.Panic("handle already tracked", zap.Uint64("handle", uint64(h)))
	}
	hs[h] = struct{}{}
	r.handleToContext[h] = ctx
}

func (r *Registry) RemoveHandle(h pcsc.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.handleToContext[h]
	if !ok {
		r.logger.Panic("removing unknown handle", zap.Uint64("handle", uint64(h)))
	}
	hs := r.contexts[ctx]
	if _, ok := hs[h]; !ok {
		r.logger.Panic("handle maps out of sync",
			zap.Uint64("context", uint64(ctx)), zap.Uint64("handle", uint64(h)))
	}
	delete(hs, h)
	delete(r.handleToContext, h)
}

// TryRemoveHandle is RemoveHandle for a handle that may already be gone.
func (r *Registry) TryRemoveHandle(h pcsc.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.handleToContext[h]
	if !ok {
		return false
	}
	delete(r.contexts[ctx], h)
	delete(r.handleToContext, h)
	return true
}

// FindContextByHandle returns the context owning h.
func (r *Registry) FindContextByHandle(h pcsc.Handle) (pcsc.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.handleToContext[h]
	return ctx, ok
}

// SnapshotContexts is a point-in-time copy of the registered contexts.
func (r *Registry) SnapshotContexts() []pcsc.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pcsc.Context, 0, len(r.contexts))
	for ctx := range r.contexts {
		out = append(out, ctx)
	}
	return out
}

// PopAllContexts returns every registered context and clears the registry in
// one step.
func (r *Registry) PopAllContexts() []pcsc.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pcsc.Context, 0, len(r.contexts))
	for ctx := range r.contexts {
		out = append(out, ctx)
	}
	r.contexts = make(map[pcsc.Context]map[pcsc.Handle]struct{})
	r.handleToContext = make(map[pcsc.Handle]pcsc.Context)
	return out
}
