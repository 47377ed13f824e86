// Package metrics exposes Prometheus collectors for analyses, detectors, the
// RPC gateway and result sinks. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Analyses         *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	AnalysesInFlight prometheus.Gauge
	DetectorDuration *prometheus.HistogramVec
	DetectorFailures *prometheus.CounterVec
	EvidenceFound    *prometheus.CounterVec
	RPCRequests      *prometheus.CounterVec
	RPCLatency       *prometheus.HistogramVec
	LogChunkRetries  prometheus.Counter
	SinkFailures     *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeprobe_analyses_total",
			Help: "Total number of analyses by outcome",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridgeprobe_analysis_duration_seconds",
			Help:    "Wall time of a full token analysis in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		AnalysesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridgeprobe_analyses_in_flight",
			Help: "Current number of running analyses",
		}),
		DetectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridgeprobe_detector_duration_seconds",
			Help:    "Time taken by each detector in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"detector"}),
		DetectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeprobe_detector_failures_total",
			Help: "Total number of detector failures by reason",
		}, []string{"detector", "reason"}),
		EvidenceFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeprobe_evidence_total",
			Help: "Total number of evidence items emitted by kind",
		}, []string{"kind"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeprobe_rpc_requests_total",
			Help: "Total number of JSON-RPC calls by method and status",
		}, []string{"method", "status"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridgeprobe_rpc_latency_seconds",
			Help:    "JSON-RPC call latency in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		LogChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridgeprobe_log_chunk_retries_total",
			Help: "Total number of eth_getLogs chunks retried with a reduced range",
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeprobe_sink_failures_total",
			Help: "Total number of result sink write failures",
		}, []string{"sink"}),
	}
}

// Register adds every collector to reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh registry in tests.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Analyses, m.AnalysisDuration, m.AnalysesInFlight, m.DetectorDuration,
		m.DetectorFailures, m.EvidenceFound, m.RPCRequests, m.RPCLatency,
		m.LogChunkRetries, m.SinkFailures,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRPC matches eth.Observer.
func (m *Metrics) ObserveRPC(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDetector(detector string, elapsed time.Duration, reason string) {
	if m == nil {
		return
	}
	m.DetectorDuration.WithLabelValues(detector).Observe(elapsed.Seconds())
	if reason != "" {
		m.DetectorFailures.WithLabelValues(detector, reason).Inc()
	}
}

func (m *Metrics) ObserveAnalysis(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Analyses.WithLabelValues(outcome).Inc()
	m.AnalysisDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AddEvidence(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvidenceFound.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ChunkRetried() {
	if m == nil {
		return
	}
	m.LogChunkRetries.Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

// Track increments the in-flight gauge and returns its decrement.
func (m *Metrics) Track() func() {
	if m == nil {
		return func() {}
	}
	m.AnalysesInFlight.Inc()
	return m.AnalysesInFlight.Dec
}
