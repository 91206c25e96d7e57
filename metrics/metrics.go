// Package metrics exposes Prometheus collectors for the broker.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional *Metrics without checking it on every call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "scard_broker").
	Namespace string

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is where collectors are registered.
	// Default: a fresh prometheus.Registry, so several brokers can live in one process.
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

type Metrics struct {
	channelsOpen         prometheus.Gauge
	channelBytesWritten  prometheus.Counter
	routedMessages       *prometheus.CounterVec
	pendingRequests      prometheus.Gauge
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	clientHandlers       prometheus.Gauge
	concurrencyWarnings  *prometheus.CounterVec
	handleRevocations    *prometheus.CounterVec
	readerAttachAttempts *prometheus.CounterVec
	rateLimited          prometheus.Counter
	foreignRefused       *prometheus.CounterVec
}

func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "scard_broker",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(config.Registry)
	ns := config.Namespace

	return &Metrics{
		channelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "ipc", Name: "channels_open",
			Help: "Number of emulated channel ends currently registered",
		}),
		channelBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "ipc", Name: "bytes_written_total",
			Help: "Bytes delivered into emulated channel buffers",
		}),
		routedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "router", Name: "messages_total",
			Help: "Typed messages dispatched, by whether a route handled them",
		}, []string{"handled"}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "requester", Name: "pending_requests",
			Help: "Requests waiting for a response",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "client_requests_total",
			Help: "Client remote calls processed, by function and outcome",
		}, []string{"function", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "client_request_duration_seconds",
			Help:    "Client remote call processing duration in seconds",
			Buckets: config.Buckets,
		}, []string{"function"}),
		clientHandlers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "client_handlers",
			Help: "Client handlers currently registered",
		}),
		concurrencyWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "concurrent_context_calls_total",
			Help: "Calls issued while another call on the same context was running",
		}, []string{"function"}),
		handleRevocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "handle_revocations_total",
			Help: "Contexts or handles dropped because the engine no longer knew them",
		}, []string{"kind"}),
		readerAttachAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "readers", Name: "attach_attempts_total",
			Help: "Reader attach attempts, by result",
		}, []string{"result"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rate_limited_requests_total",
			Help: "Client remote calls rejected by the rate limiter",
		}),
		foreignRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "foreign_messages_refused_total",
			Help: "Handler messages refused because another connection owns the handler, by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ChannelOpened() {
	if m != nil {
		m.channelsOpen.Inc()
	}
}

func (m *Metrics) ChannelClosed() {
	if m != nil {
		m.channelsOpen.Dec()
	}
}

func (m *Metrics) ChannelBytesWritten(n int) {
	if m != nil {
		m.channelBytesWritten.Add(float64(n))
	}
}

func (m *Metrics) MessageRouted(handled bool) {
	if m == nil {
		return
	}
	if handled {
		m.routedMessages.WithLabelValues("true").Inc()
	} else {
		m.routedMessages.WithLabelValues("false").Inc()
	}
}

func (m *Metrics) PendingRequestAdded() {
	if m != nil {
		m.pendingRequests.Inc()
	}
}

func (m *Metrics) PendingRequestResolved() {
	if m != nil {
		m.pendingRequests.Dec()
	}
}

func (m *Metrics) RequestProcessed(function, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(function, outcome).Inc()
	m.requestDuration.WithLabelValues(function).Observe(d.Seconds())
}

func (m *Metrics) HandlerCreated() {
	if m != nil {
		m.clientHandlers.Inc()
	}
}

func (m *Metrics) HandlerDeleted() {
	if m != nil {
		m.clientHandlers.Dec()
	}
}

func (m *Metrics) ConcurrentContextCall(function string) {
	if m != nil {
		m.concurrencyWarnings.WithLabelValues(function).Inc()
	}
}

func (m *Metrics) HandleRevoked(kind string) {
	if m != nil {
		m.handleRevocations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ReaderAttachAttempt(result string) {
	if m != nil {
		m.readerAttachAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) ForeignMessageRefused(kind string) {
	if m != nil {
		m.foreignRefused.WithLabelValues(kind).Inc()
	}
}
