package extraction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const prometheusMetricNamespace = "metering_extractor"

const (
	stageWatermarkRead  = "watermark_read"
	stageExtract        = "extract"
	stagePush           = "push"
	stageWatermarkWrite = "watermark_write"
)

// Metrics are the counters an Orchestrator updates while it runs. A nil
// *Metrics records nothing.
type Metrics struct {
	recordsExtracted *prometheus.CounterVec
	pushes           *prometheus.CounterVec
	failures         *prometheus.CounterVec
	watermark        prometheus.Gauge
	runDuration      prometheus.Histogram
}

// NewMetrics creates the orchestrator metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsExtracted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: prometheusMetricNamespace,
				Name:      "records_extracted_total",
				Help:      "Usage records extracted, per tenant.",
			},
			[]string{"tenant"},
		),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: prometheusMetricNamespace,
				Name:      "pushes_total",
				Help:      "Batches accepted by the messenger, per tenant.",
			},
			[]string{"tenant"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: prometheusMetricNamespace,
				Name:      "failures_total",
				Help:      "Failed run stages, per tenant.",
			},
			[]string{"tenant", "stage"},
		),
		watermark: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: prometheusMetricNamespace,
				Name:      "watermark_timestamp_seconds",
				Help:      "Last watermark written, as a unix timestamp.",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: prometheusMetricNamespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of an extraction run.",
				Buckets:   []float64{1, 10, 60, 300, 900},
			},
		),
	}
	reg.MustRegister(m.recordsExtracted, m.pushes, m.failures, m.watermark, m.runDuration)
	return m
}

func (m *Metrics) extracted(tenant string, n int) {
	if m == nil {
		return
	}
	m.recordsExtracted.WithLabelValues(tenant).Add(float64(n))
}

func (m *Metrics) pushed(tenant string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(tenant).Inc()
}

func (m *Metrics) failed(tenant, stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(tenant, stage).Inc()
}

func (m *Metrics) advanced(t time.Time) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(t.Unix()) + float64(t.Nanosecond())/1e9)
}

func (m *Metrics) observeRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}
