// Package metrics provides Prometheus collectors for the relay pipeline.
//
// Counters are monotonic for the life of a run; the queue depth gauge moves
// both ways. Observers read these through the optional /metrics endpoint;
// the pipeline's own accounting lives in its performance counters and these
// collectors mirror it for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// SamplesAccepted counts raw samples pushed into the buffer store,
	// labeled by channel.
	SamplesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmq2osc_samples_accepted_total",
			Help: "Raw samples accepted into per-channel ring buffers",
		},
		[]string{"channel"},
	)

	// SamplesOverwritten counts samples lost to ring overwrite when the
	// writer outruns the reader.
	SamplesOverwritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmq2osc_samples_overwritten_total",
			Help: "Samples overwritten in ring buffers before being drained",
		},
		[]string{"channel"},
	)

	// PayloadsSent counts payloads handed to the transmit side, by outcome.
	PayloadsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmq2osc_payloads_sent_total",
			Help: "Payloads dequeued and offered to the transmit side",
		},
		[]string{"status"},
	)

	// QueueOverflows counts enqueue attempts against a full queue.
	QueueOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zmq2osc_queue_overflows_total",
			Help: "Enqueue attempts that found the transmit queue full",
		},
	)

	// QueueDrops counts entries lost to overflow policy or shutdown discard.
	QueueDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmq2osc_queue_drops_total",
			Help: "Queue entries dropped, by reason",
		},
		[]string{"reason"},
	)

	// QueueDepth gauges the current transmit queue depth.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmq2osc_queue_depth",
			Help: "Current transmit queue depth",
		},
	)

	// ProcessLatency tracks drain-transform-enqueue latency per ready window.
	ProcessLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "zmq2osc_process_latency_nanoseconds",
			Help: "Latency of one drain/transform/enqueue cycle",
			Buckets: []float64{
				1000,   // 1μs - memory operations
				10000,  // 10μs - small windows
				100000, // 100μs - typical windows
				1e6,    // 1ms
				1e7,    // 10ms
				1e8,    // 100ms - pathological
			},
		},
	)

	// SendAge tracks queue residency from enqueue to send.
	SendAge = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zmq2osc_send_age_seconds",
			Help:    "Time a payload spent in the transmit queue before sending",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
)

// Serve exposes the Prometheus registry on addr until the server fails.
// It runs in its own goroutine; failures are logged, never fatal.
func Serve(addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics endpoint failed", zap.Error(err))
		}
	}()
}
