// Package metrics exposes Prometheus metrics of the supervised process and
// its log pipeline. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keeper"

type Metrics struct {
	registry *prometheus.Registry

	starts        prometheus.Counter
	startFailures prometheus.Counter
	running       prometheus.Gauge
	lines         prometheus.Counter
	readiness     prometheus.Counter
	queueLength   prometheus.Gauge
	readerErrors  prometheus.Counter
}

// New registers all keeper metrics plus the Go runtime collectors on a fresh
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Number of successfully spawned redis-server processes.",
		}),
		startFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_start_failures_total",
			Help:      "Number of failed attempts to start redis-server.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_running",
			Help:      "1 while a redis-server process is alive.",
		}),
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Number of output lines delivered to the log sink.",
		}),
		readiness: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_total",
			Help:      "Number of times the readiness marker was detected.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_queue_length",
			Help:      "Lines waiting between the output reader and the log consumer.",
		}),
		readerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_errors_total",
			Help:      "Output read failures. Each one leaves a process without log observation.",
		}),
	}
	m.registry.MustRegister(
		m.starts,
		m.startFailures,
		m.running,
		m.lines,
		m.readiness,
		m.queueLength,
		m.readerErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.starts.Inc()
	m.running.Set(1)
}

func (m *Metrics) ProcessStartFailed() {
	if m == nil {
		return
	}
	m.startFailures.Inc()
}

func (m *Metrics) ProcessExited() {
	if m == nil {
		return
	}
	m.running.Set(0)
}

func (m *Metrics) LineQueued(queueLen int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(queueLen))
}

func (m *Metrics) LineConsumed(queueLen int) {
	if m == nil {
		return
	}
	m.lines.Inc()
	m.queueLength.Set(float64(queueLen))
}

func (m *Metrics) Ready() {
	if m == nil {
		return
	}
	m.readiness.Inc()
}

func (m *Metrics) ReaderFailed() {
	if m == nil {
		return
	}
	m.readerErrors.Inc()
}
