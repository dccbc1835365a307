package main

import (
	"fmt"
	"time"

	_ "github.com/prestodb/presto-go-client/presto"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/operator-framework/metering-extractor/cmd/helpers"
	"github.com/operator-framework/metering-extractor/pkg/config"
	"github.com/operator-framework/metering-extractor/pkg/extractor"
	"github.com/operator-framework/metering-extractor/pkg/watermark"
)

const appName = "metering-extractor"

var registry = extractor.DefaultRegistry()

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "extracts tenant usage records and delivers them for accounting",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func newExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "extract the usage of every tenant since the last run and deliver it",
		RunE:  runExtract,
	}
	config.AddFlags(cmd.Flags(), registry)
	return cmd
}

var extractorsCmd = &cobra.Command{
	Use:   "extractors",
	Short: "list the available extractors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		for i, name := range registry.Names() {
			if i == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (default)\n", name)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func newLastrunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lastrun",
		Short: "print the time the next extraction starts from",
		RunE:  runLastrun,
	}
	config.AddFlags(cmd.Flags(), registry)
	return cmd
}

func init() {
	// globally set time to UTC
	time.Local = time.UTC

	rootCmd.AddCommand(newExtractCmd(), extractorsCmd, newLastrunCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("error executing command: %v", err)
	}
}

func setup(cmd *cobra.Command) (*config.RunConfiguration, log.FieldLogger, error) {
	cfg, err := config.Load(afero.NewOsFs(), cmd.Flags(), registry)
	if err != nil {
		return nil, nil, err
	}
	logger, err := helpers.SetupLogger(cfg.LogLevel, true, log.Fields{
		"app":  appName,
		"site": cfg.SiteName,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newStore(cfg *config.RunConfiguration) (watermark.Store, error) {
	store, err := watermark.NewStore(cfg.SpoolDir, time.UTC)
	if err != nil {
		return nil, err
	}
	return watermark.WithOverride(store, cfg.ExtractFrom, time.UTC), nil
}

func runLastrun(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	since, err := store.Get(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), watermark.Format(since))
	return nil
}
