package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/metering-extractor/pkg/extractor"
)

func load(t *testing.T, fs afero.Fs, args ...string) (*RunConfiguration, error) {
	t.Helper()
	registry := extractor.DefaultRegistry()
	flags := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	AddFlags(flags, registry)
	require.NoError(t, flags.Parse(args))
	return Load(fs, flags, registry)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t, afero.NewMemMapFs())
	require.NoError(t, err)

	assert.Equal(t, DefaultSpoolDir, cfg.SpoolDir)
	assert.Equal(t, extractor.PrometheusName, cfg.Extractor)
	assert.Equal(t, "dirq", cfg.Messenger)
	assert.Equal(t, 4, cfg.MessengerRetries)
	assert.Empty(t, cfg.Tenants)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "", cfg.ExtractFrom)
	assert.Equal(t, time.Minute, cfg.PrometheusStep)
	assert.Equal(t, time.Hour, cfg.PrometheusChunkSize)
	assert.Equal(t, time.Second, cfg.TimePrecision)
	assert.Equal(t, extractor.DefaultSQLQuery, cfg.SQLQuery)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadPrecedence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/extractor.yaml", []byte(`
site-name: file-site
tenants:
  - file-a
  - file-b
spooldir: /file/spool
prometheus-step: 5m
messenger: http
messenger-url: http://accounting/usage
`), 0644))

	t.Setenv("METERING_EXTRACTOR_SITE_NAME", "env-site")
	t.Setenv("METERING_EXTRACTOR_TENANTS", "env-a, env-b,env-c")
	t.Setenv("METERING_EXTRACTOR_DRY_RUN", "true")

	cfg, err := load(t, fs, "--config-file=/etc/extractor.yaml", "--site-name=flag-site", "--time-precision=1h")
	require.NoError(t, err)

	assert.Equal(t, "flag-site", cfg.SiteName)
	assert.Equal(t, []string{"env-a", "env-b", "env-c"}, cfg.Tenants)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "/file/spool", cfg.SpoolDir)
	assert.Equal(t, 5*time.Minute, cfg.PrometheusStep)
	assert.Equal(t, time.Hour, cfg.TimePrecision)
	assert.Equal(t, "http", cfg.Messenger)
	assert.Equal(t, "http://accounting/usage", cfg.MessengerURL)
}

func TestLoadTenantsFromFileAndFlags(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/extractor.json", []byte(`{"tenants": ["x", "y"]}`), 0644))

	cfg, err := load(t, fs, "--config-file=/etc/extractor.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cfg.Tenants)

	cfg, err = load(t, fs, "--config-file=/etc/extractor.json", "--tenants=b,a", "--tenants=c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, cfg.Tenants)
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]struct {
		args      []string
		expectErr string
	}{
		"missing config file": {
			args:      []string{"--config-file=/nope.yaml"},
			expectErr: "failed to read config file '/nope.yaml'",
		},
		"empty spooldir": {
			args:      []string{"--spooldir="},
			expectErr: "invalid configuration",
		},
		"unknown messenger": {
			args:      []string{"--messenger=ssm"},
			expectErr: "invalid configuration",
		},
		"negative retries": {
			args:      []string{"--messenger-retries=-1"},
			expectErr: "invalid configuration",
		},
		"bad log level": {
			args:      []string{"--log-level=loud"},
			expectErr: "invalid configuration",
		},
		"precision below a millisecond": {
			args:      []string{"--time-precision=1us"},
			expectErr: "invalid configuration",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			_, err := load(t, afero.NewMemMapFs(), tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestValidateDelivery(t *testing.T) {
	tests := map[string]struct {
		args      []string
		expectErr string
	}{
		"dirq with local spool": {
			args: []string{"--spooldir=/var/spool/x"},
		},
		"dirq with remote spool": {
			args:      []string{"--spooldir=s3://bucket/spool"},
			expectErr: "the dirq messenger needs a local spooldir, got 's3://bucket/spool'",
		},
		"dry run with remote spool": {
			args: []string{"--spooldir=s3://bucket/spool", "--dry-run"},
		},
		"s3 messenger with remote spool": {
			args: []string{"--spooldir=s3://bucket/spool", "--messenger=s3", "--messenger-url=s3://bucket/out"},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			// loading never depends on the messenger, so commands that only
			// read the watermark accept a remote spool
			cfg, err := load(t, afero.NewMemMapFs(), tt.args...)
			require.NoError(t, err)

			err = cfg.ValidateDelivery()
			if tt.expectErr != "" {
				assert.EqualError(t, err, tt.expectErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadUnsupportedExtractor(t *testing.T) {
	_, err := load(t, afero.NewMemMapFs(), "--extractor=nova")
	var unsupported *extractor.UnsupportedError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "nova", unsupported.Name)
	assert.Equal(t, []string{"prometheus", "sql"}, unsupported.Supported)
}

func TestLocalSpoolDir(t *testing.T) {
	tests := map[string]string{
		"/var/spool/x":        "/var/spool/x",
		"file:///var/spool/y": "/var/spool/y",
		"s3://bucket/spool":   "",
	}
	for spool, expected := range tests {
		cfg := &RunConfiguration{SpoolDir: spool}
		assert.Equal(t, expected, cfg.LocalSpoolDir(), spool)
	}
}

func TestOptionBuilders(t *testing.T) {
	cfg, err := load(t, afero.NewMemMapFs(),
		"--site-name=site-a",
		"--tenants=a,b",
		"--spooldir=file:///spool",
		"--extractor=sql",
		"--sql-driver=sqlite",
		"--sql-dsn=/tmp/usage.db",
		"--log-queries",
		"--messenger-retries=2",
	)
	require.NoError(t, err)

	orch := cfg.Orchestration()
	assert.Equal(t, "sql", orch.Extractor)
	assert.Equal(t, []string{"a", "b"}, orch.Tenants)

	exOpts := cfg.ExtractorOptions(nil, nil)
	assert.Equal(t, "site-a", exOpts.Site)
	assert.Equal(t, "sqlite", exOpts.SQL.Driver)
	assert.Equal(t, "/tmp/usage.db", exOpts.SQL.DSN)
	assert.True(t, exOpts.SQL.LogQueries)

	msgOpts := cfg.MessengerOptions(nil, nil)
	assert.Equal(t, "/spool", msgOpts.SpoolDir)
	assert.Equal(t, 2, msgOpts.Retries)
}
