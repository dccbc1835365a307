package extractor

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/prometheus/client_golang/api"
	prom "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/metering-extractor/pkg/promquery"
)

const (
	PrometheusName = "prometheus"

	// PromTimePrecision is the smallest unit of time Prometheus timestamps carry.
	PromTimePrecision = time.Millisecond

	// DefaultPrometheusQuery meters CPU seconds per pod of the tenant's namespace.
	DefaultPrometheusQuery = `sum(rate(container_cpu_usage_seconds_total{namespace={{ .Tenant | quote }},container!=""}[5m])) by (pod)`

	DefaultPrometheusStepSize    = time.Minute
	DefaultPrometheusChunkSize   = time.Hour
	DefaultPrometheusMaxLookback = 15 * 24 * time.Hour
	DefaultTimePrecision         = time.Second
	DefaultResourceLabel         = "pod"
)

type PrometheusOptions struct {
	URL string
	// Query is a text/template (with sprig functions) rendered with .Tenant
	// and .Site for every tenant.
	Query         string
	ResourceLabel string
	Unit          string
	StepSize      time.Duration
	ChunkSize     time.Duration
	// MaxLookback bounds how far before now a query may start; Prometheus
	// holds nothing older than its retention anyway. Zero disables the bound.
	MaxLookback time.Duration
	// TimePrecision is the unit of time usage amounts are expressed in.
	TimePrecision time.Duration
}

type prometheusExtractor struct {
	promConn      promquery.RangeQueryer
	query         *template.Template
	chunker       promquery.Chunker
	resourceLabel model.LabelName
	unit          string
	maxLookback   time.Duration
	precision     time.Duration
	site          string
	clock         clock.Clock
	logger        log.FieldLogger
}

// NewPrometheusExtractor meters tenants with range queries against the
// Prometheus at opts.Prometheus.URL.
func NewPrometheusExtractor(opts Options) (Extractor, error) {
	if opts.Prometheus.URL == "" {
		return nil, fmt.Errorf("a Prometheus URL must be set")
	}
	client, err := api.NewClient(api.Config{Address: opts.Prometheus.URL})
	if err != nil {
		return nil, fmt.Errorf("can't connect to prometheus: %w", err)
	}
	return newPrometheusExtractor(prom.NewAPI(client), opts)
}

func newPrometheusExtractor(promConn promquery.RangeQueryer, opts Options) (*prometheusExtractor, error) {
	po := opts.Prometheus
	if po.Query == "" {
		po.Query = DefaultPrometheusQuery
	}
	if po.StepSize <= 0 {
		po.StepSize = DefaultPrometheusStepSize
	}
	if po.ChunkSize <= 0 {
		po.ChunkSize = DefaultPrometheusChunkSize
	}
	if po.TimePrecision == 0 {
		po.TimePrecision = DefaultTimePrecision
	}
	if po.ResourceLabel == "" {
		po.ResourceLabel = DefaultResourceLabel
	}
	if po.TimePrecision < PromTimePrecision {
		return nil, fmt.Errorf("prometheus only supports precision down to the %v", PromTimePrecision)
	}

	tmpl, err := template.New("prometheus-query").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(po.Query)
	if err != nil {
		return nil, fmt.Errorf("error parsing query: %w", err)
	}

	return &prometheusExtractor{
		promConn: promConn,
		query:    tmpl,
		chunker: promquery.Chunker{
			ChunkSize:             po.ChunkSize,
			StepSize:              po.StepSize,
			AllowIncompleteChunks: true,
		},
		resourceLabel: model.LabelName(po.ResourceLabel),
		unit:          po.Unit,
		maxLookback:   po.MaxLookback,
		precision:     po.TimePrecision,
		site:          opts.Site,
		clock:         opts.clock(),
		logger:        opts.logger().WithField("extractor", PrometheusName),
	}, nil
}

func (e *prometheusExtractor) Extract(ctx context.Context, tenant string, since time.Time) ([]UsageRecord, error) {
	var buf bytes.Buffer
	err := e.query.Execute(&buf, struct {
		Tenant string
		Site   string
	}{Tenant: tenant, Site: e.site})
	if err != nil {
		return nil, &Error{Extractor: PrometheusName, Tenant: tenant, Err: fmt.Errorf("error rendering query: %w", err)}
	}
	query := buf.String()
	logger := e.logger.WithField("tenant", tenant)

	end := e.clock.Now()
	start := since
	if e.maxLookback > 0 {
		if earliest := end.Add(-e.maxLookback); start.Before(earliest) {
			logger.Infof("watermark %s is older than the max lookback of %s, querying from %s", since, e.maxLookback, earliest)
			start = earliest
		}
	}

	records := []UsageRecord{}
	timeRanges, warnings, err := e.chunker.QueryRange(ctx, e.promConn, query, start, end,
		func(_ context.Context, _ prom.Range, matrix model.Matrix) error {
			recs, err := e.meter(tenant, query, matrix)
			if err != nil {
				return err
			}
			records = append(records, recs...)
			return nil
		})
	for _, warning := range warnings {
		logger.Warnf("Prometheus returned a warning: %s", warning)
	}
	if err != nil {
		return nil, &Error{Extractor: PrometheusName, Tenant: tenant, Err: err}
	}
	logger.Debugf("queried %d time ranges from %s to %s, produced %d records", len(timeRanges), start, end, len(records))
	return records, nil
}

// meter turns every pair of adjacent samples into a usage record.
func (e *prometheusExtractor) meter(tenant, query string, matrix model.Matrix) ([]UsageRecord, error) {
	var records []UsageRecord
	for _, sampleStream := range matrix {
		labels := make(map[string]string, len(sampleStream.Metric))
		for k, v := range sampleStream.Metric {
			labels[string(k)] = string(v)
		}
		for i := 1; i < len(sampleStream.Values); i++ {
			start, end := sampleStream.Values[i-1], sampleStream.Values[i]
			total, err := CalculateUsage(start, end, e.precision)
			if err != nil {
				return nil, fmt.Errorf("can't calculate usage for range %v to %v for query '%s': %w",
					start.Timestamp, end.Timestamp, query, err)
			}
			records = append(records, UsageRecord{
				Site:     e.site,
				Tenant:   tenant,
				Resource: string(sampleStream.Metric[e.resourceLabel]),
				Metric:   query,
				Amount:   total,
				Unit:     e.unit,
				Start:    start.Timestamp.Time().UTC(),
				End:      end.Timestamp.Time().UTC(),
				Labels:   labels,
			})
		}
	}
	return records, nil
}

// CalculateUsage determines how much of a resource was used between two
// samples: the average of both values times the length of the period,
// expressed in units of timePrecision. The start sample must come before
// the end sample.
func CalculateUsage(start, end model.SamplePair, timePrecision time.Duration) (float64, error) {
	if end.Timestamp.Before(start.Timestamp) {
		return 0, fmt.Errorf("start (%d) must be before end (%d)", int64(start.Timestamp), int64(end.Timestamp))
	}

	avg := float64(start.Value+end.Value) / 2
	duration := float64(end.Timestamp - start.Timestamp)
	total := avg * duration

	// adjust for precision
	return total / float64(timePrecision/PromTimePrecision), nil
}
