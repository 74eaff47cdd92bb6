package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perps/pkg/lx"
)

// LXMetrics exports ledger activity to Prometheus. It observes engine
// operations and counts committed events.
type LXMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	operations       *prometheus.CounterVec
	failures         *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	events           *prometheus.CounterVec
	openPositions    prometheus.Gauge
	pendingOrders    prometheus.Gauge

	natsPublished prometheus.Counter
	natsReceived  prometheus.Counter

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewLXMetrics creates and registers the ledger metrics
func NewLXMetrics(namespace string) (*LXMetrics, error) {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &LXMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name",
		}, []string{"op"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Aborted engine operations by name and error kind",
		}, []string{"op", "kind"}),

		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_microseconds",
			Help:      "Engine operation latency in microseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
		}, []string{"op"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed ledger events by type",
		}, []string{"type"}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions opened minus positions closed or liquidated since start",
		}),

		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_orders",
			Help:      "Orders created minus orders executed or cancelled since start",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		natsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_received_total",
			Help:      "Total NATS messages received",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	if err := registerAll(registry,
		m.operations,
		m.failures,
		m.operationLatency,
		m.events,
		m.openPositions,
		m.pendingOrders,
		m.natsPublished,
		m.natsReceived,
		m.memoryUsage,
		m.goroutines,
	); err != nil {
		return nil, err
	}

	logger.Info("LX metrics initialized", "namespace", namespace)
	return m, nil
}

func registerAll(r *prometheus.Registry, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the underlying registry.
func (m *LXMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *LXMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is done.
func (m *LXMetrics) StartServer(ctx context.Context, port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://localhost:"+port+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ObserveOperation implements lx.Observer.
func (m *LXMetrics) ObserveOperation(op string, elapsed time.Duration, err error) {
	m.operations.WithLabelValues(op).Inc()
	m.operationLatency.WithLabelValues(op).Observe(float64(elapsed.Microseconds()))
	if err != nil {
		m.failures.WithLabelValues(op, lx.ErrorKind(err)).Inc()
	}
}

// Publish implements lx.Publisher.
func (m *LXMetrics) Publish(e *lx.Event) error {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case lx.EventPositionOpened:
		m.openPositions.Inc()
	case lx.EventPositionClosed, lx.EventPositionLiquidated:
		m.openPositions.Dec()
	case lx.EventOrderCreated:
		m.pendingOrders.Inc()
	case lx.EventOrderExecuted, lx.EventOrderCancelled:
		m.pendingOrders.Dec()
	}
	return nil
}

// RecordNATSMessage records NATS message metrics
func (m *LXMetrics) RecordNATSMessage(direction string) {
	switch direction {
	case "published":
		m.natsPublished.Inc()
	case "received":
		m.natsReceived.Inc()
	}
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (m *LXMetrics) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
