// Package config assembles a run configuration from flags, METERING_EXTRACTOR_*
// environment variables and an optional config file, in that order of
// precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/metering-extractor/pkg/extraction"
	"github.com/operator-framework/metering-extractor/pkg/extractor"
	"github.com/operator-framework/metering-extractor/pkg/messenger"
)

const (
	EnvPrefix = "METERING_EXTRACTOR"

	DefaultSpoolDir = "/var/spool/metering-extractor"
	DefaultLogLevel = "info"

	ConfigFileFlag = "config-file"
)

// RunConfiguration is everything a run needs to know.
type RunConfiguration struct {
	SiteName    string
	Tenants     []string `validate:"dive,required"`
	SpoolDir    string   `validate:"required"`
	ExtractFrom string
	DryRun      bool

	Extractor        string `validate:"required"`
	Messenger        string `validate:"required,oneof=dirq s3 http"`
	MessengerURL     string
	MessengerRetries int `validate:"gte=0"`

	PrometheusURL         string
	PrometheusQuery       string
	PrometheusStep        time.Duration `validate:"gt=0"`
	PrometheusChunkSize   time.Duration `validate:"gt=0"`
	PrometheusMaxLookback time.Duration `validate:"gte=0"`
	TimePrecision         time.Duration `validate:"gte=1ms"`

	SQLDriver  string
	SQLDSN     string
	SQLQuery   string
	LogQueries bool

	Schedule       string
	MetricsListen  string
	PushgatewayURL string `validate:"omitempty,url"`
	LogLevel       string `validate:"oneof=panic fatal error warn warning info debug trace"`
}

// AddFlags registers the run flags on fs. The extractor defaults to the
// first name in registry.
func AddFlags(fs *pflag.FlagSet, registry *extractor.Registry) {
	fs.String(ConfigFileFlag, "", "optional YAML, TOML or JSON file holding any of the options below")
	fs.String("site-name", "", "name of the site the records are attributed to")
	fs.StringSlice("tenants", nil, "ordered list of tenants to extract usage for")
	fs.String("spooldir", DefaultSpoolDir, "directory holding the lastrun watermark and outgoing messages, or a s3://bucket/prefix for the watermark")
	fs.String("extract-from", "", "extract records from this time instead of the stored watermark")
	fs.Bool("dry-run", false, "extract and report, but do not deliver records or advance the watermark")

	fs.String("extractor", registry.Default(), fmt.Sprintf("extractor to use, one of: %s", strings.Join(registry.Names(), ", ")))
	fs.String("messenger", messenger.DirQueueName, fmt.Sprintf("messenger to deliver records with, one of: %s", strings.Join(messenger.Names, ", ")))
	fs.String("messenger-url", "", "destination of the s3 (s3://bucket/prefix) and http messengers")
	fs.Int("messenger-retries", messenger.DefaultRetries, "times the http messenger retries a failed delivery")

	fs.String("prometheus-url", "", "the URL string for connecting to Prometheus")
	fs.String("prometheus-query", extractor.DefaultPrometheusQuery, "query template rendered with .Tenant and .Site")
	fs.Duration("prometheus-step", extractor.DefaultPrometheusStepSize, "the query step size for Prometheus queries. This controls resolution of results")
	fs.Duration("prometheus-chunk-size", extractor.DefaultPrometheusChunkSize, "limits a single range query to a range of time no longer than this duration")
	fs.Duration("prometheus-max-lookback", extractor.DefaultPrometheusMaxLookback, "never query Prometheus further back than this, zero disables the limit")
	fs.Duration("time-precision", extractor.DefaultTimePrecision, "unit of time usage amounts are expressed in")

	fs.String("sql-driver", "", "database/sql driver of the sql extractor (presto, sqlite)")
	fs.String("sql-dsn", "", "data source name of the sql extractor")
	fs.String("sql-query", extractor.DefaultSQLQuery, "query the sql extractor runs with the tenant and watermark as parameters")
	fs.Bool("log-queries", false, "log every query the sql extractor runs")

	fs.String("schedule", "", "cron schedule to run on; if empty, run once and exit")
	fs.String("metrics-listen", "", "address to serve /metrics on while running on a schedule")
	fs.String("pushgateway-url", "", "Pushgateway to push run metrics to after every run")
	fs.String("log-level", DefaultLogLevel, "log level")
}

// Load resolves the flags registered by AddFlags against the environment and
// the config file, read from fs, then validates the result.
func Load(fs afero.Fs, flags *pflag.FlagSet, registry *extractor.Registry) (*RunConfiguration, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if file := v.GetString(ConfigFileFlag); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", file, err)
		}
	}

	cfg := &RunConfiguration{
		SiteName:              v.GetString("site-name"),
		Tenants:               stringList(v.Get("tenants")),
		SpoolDir:              v.GetString("spooldir"),
		ExtractFrom:           v.GetString("extract-from"),
		DryRun:                v.GetBool("dry-run"),
		Extractor:             v.GetString("extractor"),
		Messenger:             v.GetString("messenger"),
		MessengerURL:          v.GetString("messenger-url"),
		MessengerRetries:      v.GetInt("messenger-retries"),
		PrometheusURL:         v.GetString("prometheus-url"),
		PrometheusQuery:       v.GetString("prometheus-query"),
		PrometheusStep:        v.GetDuration("prometheus-step"),
		PrometheusChunkSize:   v.GetDuration("prometheus-chunk-size"),
		PrometheusMaxLookback: v.GetDuration("prometheus-max-lookback"),
		TimePrecision:         v.GetDuration("time-precision"),
		SQLDriver:             v.GetString("sql-driver"),
		SQLDSN:                v.GetString("sql-dsn"),
		SQLQuery:              v.GetString("sql-query"),
		LogQueries:            v.GetBool("log-queries"),
		Schedule:              v.GetString("schedule"),
		MetricsListen:         v.GetString("metrics-listen"),
		PushgatewayURL:        v.GetString("pushgateway-url"),
		LogLevel:              strings.ToLower(v.GetString("log-level")),
	}
	if err := cfg.Validate(registry); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the field constraints and that the extractor is one the
// registry knows.
func (c *RunConfiguration) Validate(registry *extractor.Registry) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !registry.Has(c.Extractor) {
		return &extractor.UnsupportedError{Name: c.Extractor, Supported: registry.Names()}
	}
	return nil
}

// ValidateDelivery checks that the configured messenger can run against the
// spool. Only runs that deliver records need this.
func (c *RunConfiguration) ValidateDelivery() error {
	if c.DryRun {
		return nil
	}
	if c.Messenger == messenger.DirQueueName && c.LocalSpoolDir() == "" {
		return fmt.Errorf("the %s messenger needs a local spooldir, got '%s'", messenger.DirQueueName, c.SpoolDir)
	}
	return nil
}

// LocalSpoolDir returns the spool directory as a filesystem path, or "" when
// the spool is remote.
func (c *RunConfiguration) LocalSpoolDir() string {
	u, err := url.Parse(c.SpoolDir)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "":
		return c.SpoolDir
	case "file":
		return u.Path
	default:
		return ""
	}
}

// stringList accepts lists from flags and config files as well as the comma
// separated strings environment variables carry.
func stringList(value interface{}) []string {
	var items []string
	if s, ok := value.(string); ok {
		items = strings.Split(s, ",")
	} else {
		items = cast.ToStringSlice(value)
	}
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *RunConfiguration) Orchestration() extraction.Config {
	return extraction.Config{
		Extractor: c.Extractor,
		Tenants:   c.Tenants,
		DryRun:    c.DryRun,
	}
}

func (c *RunConfiguration) ExtractorOptions(logger log.FieldLogger, clk clock.Clock) extractor.Options {
	return extractor.Options{
		Site:   c.SiteName,
		Logger: logger,
		Clock:  clk,
		Prometheus: extractor.PrometheusOptions{
			URL:           c.PrometheusURL,
			Query:         c.PrometheusQuery,
			StepSize:      c.PrometheusStep,
			ChunkSize:     c.PrometheusChunkSize,
			MaxLookback:   c.PrometheusMaxLookback,
			TimePrecision: c.TimePrecision,
		},
		SQL: extractor.SQLOptions{
			Driver:     c.SQLDriver,
			DSN:        c.SQLDSN,
			Query:      c.SQLQuery,
			LogQueries: c.LogQueries,
		},
	}
}

func (c *RunConfiguration) MessengerOptions(logger log.FieldLogger, clk clock.Clock) messenger.Options {
	return messenger.Options{
		Site:     c.SiteName,
		SpoolDir: c.LocalSpoolDir(),
		URL:      c.MessengerURL,
		Retries:  c.MessengerRetries,
		Logger:   logger,
		Clock:    clk,
	}
}
