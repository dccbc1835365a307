// Package extractor turns a tenant and a start time into usage records for
// one backing service.
package extractor

//go:generate mockgen -destination=mock/extractor.go -package=mock github.com/operator-framework/metering-extractor/pkg/extractor Extractor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
)

// UsageRecord is a unit of resource usage attributed to a tenant over a
// period of time.
type UsageRecord struct {
	Site     string            `json:"site,omitempty"`
	Tenant   string            `json:"tenant"`
	Resource string            `json:"resource,omitempty"`
	Metric   string            `json:"metric"`
	Amount   float64           `json:"amount"`
	Unit     string            `json:"unit,omitempty"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Extractor produces the usage records of a tenant since a point in time.
// Implementations keep no state between calls.
type Extractor interface {
	Extract(ctx context.Context, tenant string, since time.Time) ([]UsageRecord, error)
}

// Options carries everything the registered extractors may need. Each
// extractor reads only its own section.
type Options struct {
	Site       string
	Logger     log.FieldLogger
	Clock      clock.Clock
	Prometheus PrometheusOptions
	SQL        SQLOptions
}

func (o Options) logger() log.FieldLogger {
	if o.Logger == nil {
		return log.New()
	}
	return o.Logger
}

func (o Options) clock() clock.Clock {
	if o.Clock == nil {
		return clock.RealClock{}
	}
	return o.Clock
}

// Error is returned when an extractor fails to produce the records of a
// tenant.
type Error struct {
	Extractor string
	Tenant    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s extractor failed for tenant '%s': %v", e.Extractor, e.Tenant, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
