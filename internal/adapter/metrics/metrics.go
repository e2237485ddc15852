package metrics

import (
	"errors"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leadflow"

// IngestMetrics holds the Prometheus metrics of the upload API.
type IngestMetrics struct {
	BatchesTotal      *prometheus.CounterVec
	RowsTotal         prometheus.Counter
	BytesTotal        prometheus.Counter
	WALActive         prometheus.Gauge
	APIKeyCacheHits   prometheus.Counter
	APIKeyCacheMisses prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// NewIngestMetrics registers the API metrics with reg (the default registry when nil).
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	f := promauto.With(registerer(reg))
	return &IngestMetrics{
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Total number of uploaded batches by status.",
		}, []string{"status"}), // status: accepted, error_parse, error_size, error_buffer
		RowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Total number of CSV rows accepted.",
		}),
		BytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total number of bytes uploaded.",
		}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
		APIKeyCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		APIKeyCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// PipelineMetrics holds the Prometheus metrics of batch runs. It implements
// usecase.PipelineRecorder.
type PipelineMetrics struct {
	BatchesTotal     *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	RejectedTotal    *prometheus.CounterVec
	DeliveredTotal   *prometheus.CounterVec
	StageSeconds     *prometheus.HistogramVec
	ExternalCalls    *prometheus.CounterVec
	ExternalSeconds  *prometheus.HistogramVec
	Fallbacks        prometheus.Counter
	RemainingQuota   *prometheus.GaugeVec
	QueueBatchesRead prometheus.Counter
}

// NewPipelineMetrics registers the run metrics with reg (the default registry when nil).
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	f := promauto.With(registerer(reg))
	return &PipelineMetrics{
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Total number of batch runs by final status.",
		}, []string{"status"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "leads_rejected_total",
			Help:      "Leads that left the pipeline before delivery, by reason.",
		}, []string{"reason"}),
		DeliveredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "leads_delivered_total",
			Help:      "Leads delivered, by client.",
		}, []string{"client_id"}),
		StageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		ExternalCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "calls_total",
			Help:      "External collaborator calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		ExternalSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_duration_seconds",
			Help:      "External collaborator call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "template_fallbacks_total",
			Help:      "Leads that got template copy because generation failed.",
		}),
		RemainingQuota: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "remaining_quota",
			Help:      "Remaining quota per client after the last allocation.",
		}, []string{"client_id"}),
		QueueBatchesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "batches_read_total",
			Help:      "Batches read from the buffer stream.",
		}),
	}
}

func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}

func (m *PipelineMetrics) BatchFinished(status string, d time.Duration) {
	m.BatchesTotal.WithLabelValues(status).Inc()
	m.BatchDuration.Observe(d.Seconds())
}

func (m *PipelineMetrics) LeadsRejected(reason string, n int) {
	m.RejectedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *PipelineMetrics) LeadsDelivered(clientID string, n int) {
	m.DeliveredTotal.WithLabelValues(clientID).Add(float64(n))
}

func (m *PipelineMetrics) StageDuration(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PipelineMetrics) ExternalCall(op string, err error, d time.Duration) {
	m.ExternalCalls.WithLabelValues(op, outcome(err)).Inc()
	m.ExternalSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (m *PipelineMetrics) PersonalizationFallback() {
	m.Fallbacks.Inc()
}

func (m *PipelineMetrics) ClientRemaining(clientID string, remaining int) {
	m.RemainingQuota.WithLabelValues(clientID).Set(float64(remaining))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrServiceUnavailable):
		return "unavailable"
	case domain.IsRetryable(err):
		return "transient"
	default:
		return "error"
	}
}
