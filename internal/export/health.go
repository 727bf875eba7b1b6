package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9842".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics describing the relay itself.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Event pipeline.
	EventsReceived prometheus.Counter
	EventsRejected prometheus.Counter
	EventsFlushed  prometheus.Counter
	BufferFlushes  prometheus.Counter
	BufferSize     prometheus.Gauge
	FlushDuration  prometheus.Histogram

	// Delivery.
	WriteAttempts      *prometheus.CounterVec   // api_type, result
	WriteFailures      *prometheus.CounterVec   // api_type, server
	WriteDuration      *prometheus.HistogramVec // api_type
	TransportRequests  *prometheus.CounterVec   // status
	DestinationEnabled *prometheus.GaugeVec     // destination
	PointsWritten      *prometheus.CounterVec   // destination

	// Daily error tracking.
	DailyErrors    *prometheus.GaugeVec // api_type, server
	MidnightResets prometheus.Counter

	// Relay process.
	MemoryRSS  prometheus.Gauge
	MemoryHeap prometheus.Gauge

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "butler_sos",
			Name:      "events_received_total",
			Help:      "Total events accepted into the event buffer.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "butler_sos",
			Name:      "events_rejected_total",
			Help:      "Total ingest requests rejected as malformed.",
		}),
		EventsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "butler_sos",
			Name:      "events_flushed_total",
			Help:      "Total events detached from the buffer by flushes.",
		}),
		BufferFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "butler_sos",
			Name:      "buffer_flushes_total",
			Help:      "Total non-empty buffer flushes.",
		}),
		BufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "butler_sos",
			Name:      "buffer_size",
			Help:      "Events currently waiting in the buffer.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "butler_sos",
			Name:      "flush_duration_seconds",
			Help:      "Time spent delivering one buffer flush.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		WriteAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "butler_sos",
				Name:      "write_attempts_total",
				Help:      "Total destination write attempts by api type and result.",
			},
			[]string{"api_type", "result"},
		),
		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "butler_sos",
				Name:      "write_failures_total",
				Help:      "Total writes that failed after exhausting retries.",
			},
			[]string{"api_type", "server"},
		),
		WriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "butler_sos",
				Name:      "write_duration_seconds",
				Help:      "Duration of a write including retries by api type.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"api_type"},
		),
		TransportRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "butler_sos",
				Name:      "transport_requests_total",
				Help:      "Total event transport requests by HTTP status class.",
			},
			[]string{"status"},
		),
		DestinationEnabled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "butler_sos",
				Name:      "destination_enabled",
				Help:      "Whether a destination is enabled (1=yes, 0=no).",
			},
			[]string{"destination"},
		),
		PointsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "butler_sos",
				Name:      "points_written_total",
				Help:      "Total metric points written by destination.",
			},
			[]string{"destination"},
		),
		DailyErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "butler_sos",
				Name:      "daily_errors",
				Help:      "Delivery failures recorded so far in the current UTC day.",
			},
			[]string{"api_type", "server"},
		),
		MidnightResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "butler_sos",
			Name:      "midnight_resets_total",
			Help:      "Total UTC midnight error counter cycles.",
		}),
		MemoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "butler_sos",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the relay process.",
		}),
		MemoryHeap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "butler_sos",
			Name:      "memory_heap_alloc_bytes",
			Help:      "Go heap bytes allocated by the relay process.",
		}),
	}

	reg.MustRegister(
		h.EventsReceived,
		h.EventsRejected,
		h.EventsFlushed,
		h.BufferFlushes,
		h.BufferSize,
		h.FlushDuration,
	)

	reg.MustRegister(
		h.WriteAttempts,
		h.WriteFailures,
		h.WriteDuration,
		h.TransportRequests,
		h.DestinationEnabled,
		h.PointsWritten,
	)

	reg.MustRegister(
		h.DailyErrors,
		h.MidnightResets,
		h.MemoryRSS,
		h.MemoryHeap,
	)

	return h
}

// Registry returns the private registry holding the relay metrics.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9842"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
