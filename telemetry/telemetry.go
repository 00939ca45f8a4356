package telemetry

import (
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	// Register metrics with Prometheus
	prometheus.MustRegister(httpInFlight)
	prometheus.MustRegister(httpDuration)
	prometheus.MustRegister(httpQueueTime)
	prometheus.MustRegister(CommitAttempts)
	prometheus.MustRegister(CommitFailures)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(PendingPartitions)
	prometheus.MustRegister(CheckpointDuration)
}

var (
	// Transport level metrics

	httpInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_client_in_flight_requests",
			Help: "Current number of in-flight HTTP requests",
		},
		[]string{"client"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_duration_seconds",
			Help:    "HTTP request duration distributions",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"client", "status"},
	)

	httpQueueTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_queue_seconds",
			Help:    "Time spent waiting before request starts",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"client"},
	)

	// Partition commit metrics

	CommitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partition_commit_attempts_total",
			Help: "Partition commit attempts by policy",
		},
		[]string{"table", "policy"},
	)

	CommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partition_commit_failures_total",
			Help: "Failed partition commit attempts by policy, retried on the next checkpoint",
		},
		[]string{"table", "policy"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partition_commit_duration_seconds",
			Help:    "Time to finalize files and run the commit policy chain for a partition",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"table"},
	)

	PendingPartitions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partition_commit_pending_partitions",
			Help: "Partitions with reported files that are not committed yet",
		},
		[]string{"table"},
	)

	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_checkpoint_duration_seconds",
			Help:    "Time from triggering a checkpoint to finishing its commits",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"table"},
	)
)

type MetricsTransport struct {
	name     string
	wrapped  http.RoundTripper
	inFlight int64
}

func NewMetricsTransport(name string, wrapped http.RoundTripper) *MetricsTransport {
	if wrapped == nil {
		wrapped = http.DefaultTransport
	}
	return &MetricsTransport{
		name:    name,
		wrapped: wrapped,
	}
}

func (t *MetricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	atomic.AddInt64(&t.inFlight, 1)
	defer atomic.AddInt64(&t.inFlight, -1)

	httpInFlight.WithLabelValues(t.name).Set(float64(atomic.LoadInt64(&t.inFlight)))

	trace := &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			httpQueueTime.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := t.wrapped.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	status := resp.Status
	httpDuration.WithLabelValues(t.name, status).Observe(time.Since(start).Seconds())

	return resp, nil
}
