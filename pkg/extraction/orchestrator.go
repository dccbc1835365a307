// Package extraction runs the extract, push, checkpoint cycle over the
// configured tenants.
//
// The watermark is read once per run and shared by all tenants. After each
// tenant's records are pushed, the watermark is moved to the current time,
// so a tenant that fails stops the run and every later tenant is re-extracted
// from the previous watermark on the next run. Tenants completed earlier in
// the failing run are not rolled back.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/metering-extractor/pkg/extractor"
	"github.com/operator-framework/metering-extractor/pkg/messenger"
	"github.com/operator-framework/metering-extractor/pkg/watermark"
)

// Config selects the extractor and the tenants of a run.
type Config struct {
	Extractor string
	Tenants   []string
	DryRun    bool
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Registry         *extractor.Registry
	ExtractorOptions extractor.Options
	Store            watermark.Store
	// Messenger may be nil for dry runs.
	Messenger messenger.Messenger
	Clock     clock.Clock
	// Out receives the dry-run report, defaults to stdout.
	Out     io.Writer
	Metrics *Metrics
}

// Orchestrator runs the extract, push and checkpoint cycle for every tenant.
type Orchestrator struct {
	cfg       Config
	extractor extractor.Extractor
	store     watermark.Store
	messenger messenger.Messenger
	clock     clock.Clock
	out       io.Writer
	metrics   *Metrics
	logger    log.FieldLogger
}

// New resolves the configured extractor. An unknown extractor name fails
// here with an *extractor.UnsupportedError.
func New(logger log.FieldLogger, cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil {
		deps.Registry = extractor.DefaultRegistry()
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("a watermark store is required")
	}
	if deps.Messenger == nil && !cfg.DryRun {
		return nil, fmt.Errorf("a messenger is required unless running dry")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if cfg.Extractor == "" {
		cfg.Extractor = deps.Registry.Default()
	}
	logger = logger.WithField("extractor", cfg.Extractor)
	if deps.ExtractorOptions.Logger == nil {
		deps.ExtractorOptions.Logger = logger
	}
	if deps.ExtractorOptions.Clock == nil {
		deps.ExtractorOptions.Clock = deps.Clock
	}

	ex, err := deps.Registry.Resolve(cfg.Extractor, deps.ExtractorOptions)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		extractor: ex,
		store:     deps.Store,
		messenger: deps.Messenger,
		clock:     deps.Clock,
		out:       deps.Out,
		metrics:   deps.Metrics,
		logger:    logger,
	}, nil
}

// Run processes every tenant in order and stops at the first failure,
// returning what was completed alongside the error.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	runStart := o.clock.Now()
	defer func() {
		o.metrics.observeRun(o.clock.Since(runStart))
	}()

	summary := &RunSummary{DryRun: o.cfg.DryRun}
	since, err := o.store.Get(ctx)
	if err != nil {
		o.metrics.failed("", stageWatermarkRead)
		return summary, err
	}
	summary.Since = since
	o.logger.WithFields(log.Fields{
		"since":   watermark.Format(since),
		"tenants": len(o.cfg.Tenants),
		"dryRun":  o.cfg.DryRun,
	}).Infof("starting extraction")

	for _, tenant := range o.cfg.Tenants {
		result, err := o.runTenant(ctx, tenant, since)
		if err != nil {
			return summary, err
		}
		summary.Tenants = append(summary.Tenants, result)
	}

	o.logger.WithField("records", summary.Records()).Infof("extraction finished for %d tenants", len(summary.Tenants))
	return summary, nil
}

func (o *Orchestrator) runTenant(ctx context.Context, tenant string, since time.Time) (TenantResult, error) {
	logger := o.logger.WithField("tenant", tenant)
	result := TenantResult{Tenant: tenant}

	records, err := o.extractor.Extract(ctx, tenant, since)
	if err != nil {
		o.metrics.failed(tenant, stageExtract)
		var exErr *extractor.Error
		if !errors.As(err, &exErr) {
			err = &extractor.Error{Extractor: o.cfg.Extractor, Tenant: tenant, Err: err}
		}
		return result, err
	}
	result.Records = len(records)
	o.metrics.extracted(tenant, len(records))
	logger.Debugf("extracted %d records", len(records))

	if o.cfg.DryRun {
		fmt.Fprintf(o.out, "%d records for %s from %s to now\n", len(records), tenant, formatSince(since))
		return result, nil
	}

	if err := o.messenger.Push(ctx, records); err != nil {
		o.metrics.failed(tenant, stagePush)
		return result, &DeliveryError{Tenant: tenant, Err: err}
	}
	o.metrics.pushed(tenant)
	result.Pushed = true

	now := o.clock.Now()
	if err := o.store.Set(ctx, now); err != nil {
		o.metrics.failed(tenant, stageWatermarkWrite)
		return result, fmt.Errorf("failed to advance watermark after tenant '%s': %w", tenant, err)
	}
	o.metrics.advanced(now)
	result.Watermark = now
	logger.WithField("watermark", watermark.Format(now)).Debugf("pushed %d records, watermark advanced for all tenants", len(records))
	return result, nil
}

// Close releases the extractor's connections, if it holds any.
func (o *Orchestrator) Close() error {
	if c, ok := o.extractor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
