package main

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/metering-extractor/cmd/helpers"
	"github.com/operator-framework/metering-extractor/pkg/config"
	"github.com/operator-framework/metering-extractor/pkg/extraction"
	"github.com/operator-framework/metering-extractor/pkg/messenger"
)

func runExtract(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDelivery(); err != nil {
		return err
	}
	logger.Debugf("configuration: %s", spew.Sdump(cfg))
	ctx := helpers.SetupSignals(logger)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	var msgr messenger.Messenger
	if !cfg.DryRun {
		msgr, err = messenger.New(cfg.Messenger, cfg.MessengerOptions(logger, clk))
		if err != nil {
			return err
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	orch, err := extraction.New(logger, cfg.Orchestration(), extraction.Dependencies{
		Registry:         registry,
		ExtractorOptions: cfg.ExtractorOptions(logger, clk),
		Store:            store,
		Messenger:        msgr,
		Clock:            clk,
		Out:              cmd.OutOrStdout(),
		Metrics:          extraction.NewMetrics(promRegistry),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.WithError(err).Warn("failed to close extractor")
		}
	}()

	run := func() error {
		err := runOnce(ctx, logger, orch)
		if cfg.PushgatewayURL != "" {
			if perr := pushMetrics(ctx, cfg, promRegistry); perr != nil {
				logger.WithError(perr).Warnf("failed to push metrics to %s", cfg.PushgatewayURL)
			}
		}
		return err
	}

	if cfg.Schedule == "" {
		return run()
	}
	return runScheduled(ctx, logger, cfg, promRegistry, run)
}

func runOnce(ctx context.Context, logger log.FieldLogger, orch *extraction.Orchestrator) error {
	summary, err := orch.Run(ctx)
	if err != nil {
		if summary != nil && len(summary.Tenants) > 0 {
			logger.WithError(err).Errorf("run stopped after %d tenants", len(summary.Tenants))
		}
		return err
	}
	if summary.DryRun {
		logger.Infof("dry run extracted %d records", summary.Records())
		return nil
	}
	logger.Infof("delivered %d records for %d tenants", summary.Records(), len(summary.Tenants))
	return nil
}

func pushMetrics(ctx context.Context, cfg *config.RunConfiguration, gatherer prometheus.Gatherer) error {
	pusher := push.New(cfg.PushgatewayURL, "metering_extractor").Gatherer(gatherer)
	if cfg.SiteName != "" {
		pusher = pusher.Grouping("site", cfg.SiteName)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushgateway rejected metrics: %w", err)
	}
	return nil
}
