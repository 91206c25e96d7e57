// Package processor executes one client's PC/SC remote calls against the
// shared engine.
//
// Every client gets its own Processor. It only lets the client touch contexts
// and card handles that the client itself obtained, so one client can never
// operate on another client's card session even when it guesses the ids.
package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"scard-broker/handles"
	"scard-broker/logging"
	"scard-broker/metrics"
	"scard-broker/pcsc"
	"scard-broker/policy"
	"scard-broker/requesting"
)

// Options configure a Processor. ClientAppID identifies the client application
// for admin policy checks; a nil Policy disables the disconnect fallback.
type Options struct {
	HandlerID        int64
	ClientNameForLog string
	ClientAppID      string
	Engine           pcsc.Engine
	Policy           *policy.Getter
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Processor is reference counted: New returns it holding one reference, and
// the last Release tears down every context the client left open.
type Processor struct {
	clientAppID string
	engine      pcsc.Engine
	policy      *policy.Getter
	registry    *handles.Registry
	logger      *zap.Logger
	metrics     *metrics.Metrics

	refs         atomic.Int64
	teardownDone chan struct{}

	guardMu sync.Mutex
	running map[pcsc.Context]map[string]int
}

func New(opts Options) *Processor {
	logger := logging.OrNop(opts.Logger).Named("processor").With(
		zap.Int64("handler_id", opts.HandlerID),
		zap.String("client", opts.ClientNameForLog),
	)
	p := &Processor{
		clientAppID:  opts.ClientAppID,
		engine:       opts.Engine,
		policy:       opts.Policy,
		registry:     handles.NewRegistry(logger),
		logger:       logger,
		metrics:      opts.Metrics,
		teardownDone: make(chan struct{}),
		running:      make(map[pcsc.Context]map[string]int),
	}
	p.refs.Store(1)
	return p
}

// Handles exposes the ownership registry, mostly for tests.
func (p *Processor) Handles() *handles.Registry { return p.registry }

// TryAcquire takes a reference unless teardown already started.
func (p *Processor) TryAcquire() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. Dropping the last one starts teardown.
func (p *Processor) Release() {
	n := p.refs.Add(-1)
	if n < 0 {
		p.logger.Panic("processor released more times than acquired")
	}
	if n == 0 {
		p.teardown()
	}
}

// teardown forgets every context and then, in the background, cancels and
// releases them in the engine.
func (p *Processor) teardown() {
	contexts := p.registry.PopAllContexts()
	if len(contexts) == 0 {
		close(p.teardownDone)
		return
	}
	p.logger.Info("releasing contexts left open by the client", zap.Int("count", len(contexts)))
	go func() {
		defer close(p.teardownDone)
		for _, c := range contexts {
			if err := p.engine.Cancel(c); err != nil {
				p.logger.Debug("cancel during teardown failed",
					zap.Uint32("context", uint32(c)), zap.Error(err))
			}
		}
		for _, c := range contexts {
			if err := p.engine.ReleaseContext(c); err != nil {
				p.logger.Warn("release during teardown failed",
					zap.Uint32("context", uint32(c)), zap.Error(err))
			}
		}
	}()
}

// WaitTeardown blocks until teardown has finished.
func (p *Processor) WaitTeardown(ctx context.Context) error {
	select {
	case <-p.teardownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleRunningRequestsCancellation asks the engine to cancel blocking
// calls on the client's contexts, without waiting for them.
func (p *Processor) ScheduleRunningRequestsCancellation() {
	contexts := p.registry.SnapshotContexts()
	if len(contexts) == 0 {
		return
	}
	go func() {
		for _, c := range contexts {
			if err := p.engine.Cancel(c); err != nil {
				p.logger.Debug("cancel of running requests failed",
					zap.Uint32("context", uint32(c)), zap.Error(err))
			}
		}
	}()
}

// ProcessRequest runs one remote call. Calls with bad arguments fail; PC/SC
// errors are ordinary results carrying the status code.
func (p *Processor) ProcessRequest(ctx context.Context, req requesting.RemoteCallRequest) requesting.Result {
	start := time.Now()
	fn, ok := functions[req.FunctionName]
	if !ok {
		p.metrics.RequestProcessed(req.FunctionName, "unknown_function", time.Since(start))
		return requesting.Failed("Unknown function \"%s\"", req.FunctionName)
	}

	items, err := fn(p, ctx, req.Args)
	if err == nil {
		var result requesting.Result
		if result, err = buildResult(items); err == nil {
			p.metrics.RequestProcessed(req.FunctionName, outcomeOf(items), time.Since(start))
			p.logger.Debug("request processed",
				zap.String("function", req.FunctionName), zap.Stringer("result", result.Payload))
			return result
		}
	}
	p.metrics.RequestProcessed(req.FunctionName, "failed", time.Since(start))
	p.logger.Info("request failed", zap.String("function", req.FunctionName), zap.Error(err))
	return requesting.Failed("Error while processing the \"%s\" request: %v", req.FunctionName, err)
}

func buildResult(items []any) (requesting.Result, error) {
	payload, err := requesting.BuildRemoteCallResult(items...)
	if err != nil {
		return requesting.Result{}, err
	}
	return requesting.Succeeded(payload), nil
}

func outcomeOf(items []any) string {
	if len(items) > 0 {
		if code, ok := items[0].(pcsc.ReturnCode); ok && code != pcsc.SCARD_S_SUCCESS {
			return "pcsc_error"
		}
	}
	return "ok"
}

// enterContext records function as running on c and warns when another call
// on c is already running: PC/SC contexts are not meant to be used from
// several threads at once. It never blocks.
func (p *Processor) enterContext(c pcsc.Context, function string) (leave func()) {
	p.guardMu.Lock()
	names := p.running[c]
	if names == nil {
		names = make(map[string]int)
		p.running[c] = names
	}
	if len(names) > 0 {
		others := make([]string, 0, len(names))
		for name := range names {
			others = append(others, name)
		}
		p.logger.Warn("concurrent calls on the same context",
			zap.Uint32("context", uint32(c)), zap.String("function", function), zap.Strings("running", others))
		p.metrics.ConcurrentContextCall(function)
	}
	names[function]++
	p.guardMu.Unlock()

	return func() {
		p.guardMu.Lock()
		defer p.guardMu.Unlock()
		names[function]--
		if names[function] == 0 {
			delete(names, function)
		}
		if len(names) == 0 {
			delete(p.running, c)
		}
	}
}

// onContextRevoked drops a context the engine no longer knows.
func (p *Processor) onContextRevoked(c pcsc.Context) {
	if p.registry.TryRemoveContext(c) {
		p.logger.Warn("context revoked by the engine", zap.Uint32("context", uint32(c)))
		p.metrics.HandleRevoked("context")
	}
}

func (p *Processor) onHandleRevoked(h pcsc.Handle) {
	if p.registry.TryRemoveHandle(h) {
		p.logger.Warn("card handle revoked by the engine", zap.Uint32("handle", uint32(h)))
		p.metrics.HandleRevoked("handle")
	}
}

// disconnectFallbackAllowed waits for the admin policy if none arrived yet.
func (p *Processor) disconnectFallbackAllowed(ctx context.Context) bool {
	if p.policy == nil || p.clientAppID == "" {
		return false
	}
	pol, err := p.policy.WaitAndGet(ctx)
	if err != nil {
		p.logger.Warn("no admin policy for the disconnect fallback", zap.Error(err))
		return false
	}
	return pol.IsDisconnectFallbackAllowed(p.clientAppID)
}
