// Package metrics collects and exposes the framework's Prometheus metrics:
// worker launches, the registration handshake, closure dispatch outcomes,
// and hold-coordinator activity. Grounded on the teacher's own
// internal/metrics package — same Collector-struct-of-prometheus-types
// shape, same StartServer helper — generalized from job-queue counters to
// the closure-execution domain this framework actually implements.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the framework emits.
type Collector struct {
	workersLaunched   prometheus.Counter
	workersLaunchFail prometheus.Counter

	handshakeSucceeded prometheus.Counter
	handshakeTimedOut  prometheus.Counter
	handshakeStale     prometheus.Counter

	closuresDispatched prometheus.Counter
	closuresSucceeded  prometheus.Counter
	closuresFailed     *prometheus.CounterVec // labeled by RemoteErrorKind
	closureLatency     prometheus.Histogram

	holdEntered     prometheus.Counter
	holdReleased    prometheus.Counter
	holdReleaseAll  prometheus.Counter
	holdActiveGauge prometheus.Gauge
}

// NewCollector builds a Collector and registers every metric against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		workersLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_workers_launched_total",
			Help: "Total number of worker processes launched",
		}),
		workersLaunchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_worker_launch_failures_total",
			Help: "Total number of worker launch attempts that failed",
		}),
		handshakeSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_handshake_succeeded_total",
			Help: "Total number of worker registration handshakes that completed",
		}),
		handshakeTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_handshake_timeout_total",
			Help: "Total number of worker registration handshakes that timed out",
		}),
		handshakeStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_handshake_stale_total",
			Help: "Total number of registrations dropped as stale or unmatched",
		}),
		closuresDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_closures_dispatched_total",
			Help: "Total number of closures dispatched to a worker",
		}),
		closuresSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_closures_succeeded_total",
			Help: "Total number of closures that returned a successful result",
		}),
		closuresFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterrun_closures_failed_total",
			Help: "Total number of closures that failed, labeled by failure kind",
		}, []string{"kind"}),
		closureLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clusterrun_closure_latency_seconds",
			Help:    "Closure dispatch-to-result latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		holdEntered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_hold_entered_total",
			Help: "Total number of times a service entered a hold",
		}),
		holdReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_hold_released_total",
			Help: "Total number of individual hold releases",
		}),
		holdReleaseAll: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterrun_hold_release_all_total",
			Help: "Total number of release-all requests",
		}),
		holdActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clusterrun_hold_active_services",
			Help: "Current number of services currently held",
		}),
	}

	prometheus.MustRegister(
		c.workersLaunched,
		c.workersLaunchFail,
		c.handshakeSucceeded,
		c.handshakeTimedOut,
		c.handshakeStale,
		c.closuresDispatched,
		c.closuresSucceeded,
		c.closuresFailed,
		c.closureLatency,
		c.holdEntered,
		c.holdReleased,
		c.holdReleaseAll,
		c.holdActiveGauge,
	)

	return c
}

// RecordWorkerLaunched records a successful worker launch.
func (c *Collector) RecordWorkerLaunched() { c.workersLaunched.Inc() }

// RecordWorkerLaunchFailed records a worker launch attempt that failed
// before a process was even started.
func (c *Collector) RecordWorkerLaunchFailed() { c.workersLaunchFail.Inc() }

// RecordHandshakeSucceeded records a completed registration handshake.
func (c *Collector) RecordHandshakeSucceeded() { c.handshakeSucceeded.Inc() }

// RecordHandshakeTimedOut records a handshake that never completed within
// its configured timeout.
func (c *Collector) RecordHandshakeTimedOut() { c.handshakeTimedOut.Inc() }

// RecordHandshakeStale records a registration the accept loop could not
// match to any waiting scope.
func (c *Collector) RecordHandshakeStale() { c.handshakeStale.Inc() }

// RecordClosureDispatched records a closure handed to a worker.
func (c *Collector) RecordClosureDispatched() { c.closuresDispatched.Inc() }

// RecordClosureSucceeded records a closure result latency and success.
func (c *Collector) RecordClosureSucceeded(latencySeconds float64) {
	c.closuresSucceeded.Inc()
	c.closureLatency.Observe(latencySeconds)
}

// RecordClosureFailed records a closure failure labeled by its RemoteErrorKind.
func (c *Collector) RecordClosureFailed(kind string) {
	c.closuresFailed.WithLabelValues(kind).Inc()
}

// RecordHoldEntered records a service entering a hold.
func (c *Collector) RecordHoldEntered() {
	c.holdEntered.Inc()
	c.holdActiveGauge.Inc()
}

// RecordHoldReleased records a single hold release, and the corresponding
// decrease in the number of currently active holds.
func (c *Collector) RecordHoldReleased() {
	c.holdReleased.Inc()
	c.holdActiveGauge.Dec()
}

// RecordHoldReleaseAll records a release-all request. It does not itself
// adjust the active-holds gauge; callers still call RecordHoldReleased (or
// decrement directly) for each hold the release-all actually fired.
func (c *Collector) RecordHoldReleaseAll() { c.holdReleaseAll.Inc() }

// StartServer serves /metrics for Prometheus scraping on port until ctx is
// cancelled, at which point it shuts down gracefully and returns nil.
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(stopCtx)
	}
}
