// Package metrics exposes pipeline counters as Prometheus collectors.
//
// A *Metrics owns its own registry; nothing is registered globally. A nil
// *Metrics is valid and turns every method into a no-op, so components
// take an optional *Metrics and call it unconditionally.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"osclog/internal/buffer"
	"osclog/internal/logging"
)

const namespace = "osclog"

// Metrics holds the collectors for one pipeline run.
type Metrics struct {
	registry *prometheus.Registry

	matched      *prometheus.CounterVec
	filtered     *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	rowsWritten  *prometheus.CounterVec
	flushes      *prometheus.CounterVec
	writeErrors  *prometheus.CounterVec
	rowsLost     *prometheus.CounterVec
	occupancy    prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	perPort := func(subsystem, name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"port"})
	}
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		matched:      perPort("listener", "messages_matched_total", "Messages whose address is active, offered to the buffer"),
		filtered:     perPort("listener", "messages_filtered_total", "Messages discarded because their address is not active"),
		decodeErrors: perPort("listener", "decode_errors_total", "Datagrams that failed to decode"),
		rowsWritten:  perPort("writer", "rows_written_total", "Rows persisted to the port log"),
		flushes:      perPort("writer", "flushes_total", "Batches written to the port log"),
		writeErrors:  perPort("writer", "write_errors_total", "Batches lost to write failures"),
		rowsLost:     perPort("writer", "rows_lost_total", "Rows lost to write failures"),
		occupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "occupancy_percent",
			Help:      "Buffer usage at the last statistics snapshot",
		}),
	}
	m.registry.MustRegister(
		m.matched, m.filtered, m.decodeErrors,
		m.rowsWritten, m.flushes, m.writeErrors, m.rowsLost,
		m.occupancy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// BufferSource is the part of *buffer.Buffer the collectors read.
type BufferSource interface {
	Observe() (buffer.Counts, int)
	Cap() int
}

// ObserveBuffer registers collectors that read the buffer's lifetime
// counters at scrape time. Call it once per buffer.
func (m *Metrics) ObserveBuffer(b BufferSource) error {
	if m == nil {
		return nil
	}
	counter := func(name, help string, read func(buffer.Counts) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      name,
			Help:      help,
		}, func() float64 {
			c, _ := b.Observe()
			return float64(read(c))
		})
	}
	cs := []prometheus.Collector{
		counter("received_total", "Messages offered to the buffer", func(c buffer.Counts) uint64 { return c.Received }),
		counter("dropped_total", "Messages dropped because the buffer was full", func(c buffer.Counts) uint64 { return c.Dropped }),
		counter("processed_total", "Messages taken from the buffer by the consumer", func(c buffer.Counts) uint64 { return c.Processed }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "length",
			Help:      "Messages currently queued",
		}, func() float64 {
			_, n := b.Observe()
			return float64(n)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "capacity",
			Help:      "Buffer capacity",
		}, func() float64 { return float64(b.Cap()) }),
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func portLabel(port int) string { return strconv.Itoa(port) }

// Matched counts an active message offered to the buffer.
func (m *Metrics) Matched(port int) {
	if m == nil {
		return
	}
	m.matched.WithLabelValues(portLabel(port)).Inc()
}

// Filtered counts a message dropped by the registry filter.
func (m *Metrics) Filtered(port int) {
	if m == nil {
		return
	}
	m.filtered.WithLabelValues(portLabel(port)).Inc()
}

// DecodeError counts a malformed datagram.
func (m *Metrics) DecodeError(port int) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(portLabel(port)).Inc()
}

// Flushed records a successfully written batch of rows.
func (m *Metrics) Flushed(port, rows int) {
	if m == nil {
		return
	}
	l := portLabel(port)
	m.flushes.WithLabelValues(l).Inc()
	m.rowsWritten.WithLabelValues(l).Add(float64(rows))
}

// WriteFailed records a batch lost to a write error.
func (m *Metrics) WriteFailed(port, rows int) {
	if m == nil {
		return
	}
	l := portLabel(port)
	m.writeErrors.WithLabelValues(l).Inc()
	m.rowsLost.WithLabelValues(l).Add(float64(rows))
}

// SetOccupancy records the buffer usage percentage from a snapshot.
func (m *Metrics) SetOccupancy(pct float64) {
	if m == nil {
		return
	}
	m.occupancy.Set(pct)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "metrics")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
