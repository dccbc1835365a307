package extractor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prestodb/presto-go-client/presto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newUsageDB(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "usage.db")
	conn, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec(`
	create table usage (
		tenant text not null,
		resource text,
		metric text not null,
		amount real not null,
		unit text,
		start_time timestamp not null,
		end_time timestamp not null
	);
	`)
	require.NoError(t, err)

	base := time.Date(2019, time.March, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		tenant, resource, metric string
		amount                   float64
		unit                     interface{}
		start                    time.Time
	}{
		{"alpha", "vm-1", "cpu", 3600, "s", base},
		{"alpha", "vm-1", "cpu", 1800, "s", base.Add(time.Hour)},
		{"alpha", "vol-1", "disk", 10, nil, base.Add(2 * time.Hour)},
		{"beta", "vm-9", "cpu", 60, "s", base.Add(time.Hour)},
	}
	for _, r := range rows {
		_, err = conn.Exec("insert into usage(tenant, resource, metric, amount, unit, start_time, end_time) values(?,?,?,?,?,?,?)",
			r.tenant, r.resource, r.metric, r.amount, r.unit, r.start, r.start.Add(time.Hour))
		require.NoError(t, err)
	}
	return dsn
}

func TestSQLExtract(t *testing.T) {
	dsn := newUsageDB(t)
	e, err := NewSQLExtractor(Options{
		Site:   "site-a",
		Logger: logrus.New(),
		SQL: SQLOptions{
			Driver:     "sqlite",
			DSN:        dsn,
			LogQueries: true,
		},
	})
	require.NoError(t, err)
	defer e.(*sqlExtractor).Close()

	base := time.Date(2019, time.March, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	records, err := e.Extract(ctx, "alpha", time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "vm-1", records[0].Resource)
	assert.Equal(t, "cpu", records[0].Metric)
	assert.Equal(t, "s", records[0].Unit)
	assert.Equal(t, "site-a", records[0].Site)
	assert.Equal(t, "alpha", records[0].Tenant)
	assert.InDelta(t, 3600, records[0].Amount, 1e-9)
	assert.True(t, base.Equal(records[0].Start), "unexpected start %v", records[0].Start)
	assert.True(t, base.Add(time.Hour).Equal(records[0].End), "unexpected end %v", records[0].End)
	assert.Equal(t, "", records[2].Unit)

	// only rows ending after the watermark
	records, err = e.Extract(ctx, "alpha", base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "vol-1", records[0].Resource)

	records, err = e.Extract(ctx, "gamma", base)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)
}

func TestSQLExtractErrors(t *testing.T) {
	dsn := newUsageDB(t)
	e, err := NewSQLExtractor(Options{
		SQL: SQLOptions{
			Driver: "sqlite",
			DSN:    dsn,
			Query:  "SELECT nope FROM missing_table WHERE tenant = ? AND ? IS NOT NULL",
		},
	})
	require.NoError(t, err)
	defer e.(*sqlExtractor).Close()

	_, err = e.Extract(context.Background(), "alpha", time.Now())
	var extractErr *Error
	require.True(t, errors.As(err, &extractErr))
	assert.Equal(t, SQLName, extractErr.Extractor)
	assert.Equal(t, "alpha", extractErr.Tenant)

	_, err = NewSQLExtractor(Options{SQL: SQLOptions{Driver: "no-such-driver", DSN: "x"}})
	assert.Error(t, err)
}

// recordingQueryer keeps the last query and fails it.
type recordingQueryer struct {
	query string
	args  []interface{}
}

var errQueryRecorded = errors.New("query recorded")

func (q *recordingQueryer) QueryContext(_ context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	q.query = query
	q.args = args
	return nil, errQueryRecorded
}

func (q *recordingQueryer) Close() error {
	return nil
}

func TestSQLExtractParameters(t *testing.T) {
	since := time.Date(2024, time.March, 1, 10, 30, 0, 0, time.UTC)
	tests := map[string]struct {
		driver      string
		tenant      string
		expectQuery string
		expectArgs  []interface{}
	}{
		"sqlite binds parameters": {
			driver:      "sqlite",
			tenant:      "alpha",
			expectQuery: DefaultSQLQuery,
			expectArgs:  []interface{}{"alpha", since},
		},
		"presto renders literals": {
			driver:      PrestoDriver,
			tenant:      "alpha",
			expectQuery: "SELECT resource, metric, amount, unit, start_time, end_time FROM usage WHERE tenant = 'alpha' AND end_time > timestamp '2024-03-01 10:30:00.000' ORDER BY start_time",
		},
		"presto escapes quotes": {
			driver:      PrestoDriver,
			tenant:      "o'brien",
			expectQuery: "SELECT resource, metric, amount, unit, start_time, end_time FROM usage WHERE tenant = 'o''brien' AND end_time > timestamp '2024-03-01 10:30:00.000' ORDER BY start_time",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			queryer := &recordingQueryer{}
			e := newSQLExtractor(queryer, Options{SQL: SQLOptions{Driver: tt.driver}})

			_, err := e.Extract(context.Background(), tt.tenant, since)
			require.True(t, errors.Is(err, errQueryRecorded))
			assert.Equal(t, tt.expectQuery, queryer.query)
			assert.Equal(t, tt.expectArgs, queryer.args)
		})
	}
}

func TestInlineParameters(t *testing.T) {
	since := time.Date(2024, time.March, 1, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	tests := map[string]struct {
		query       string
		args        []interface{}
		expectQuery string
		expectErr   string
	}{
		"question mark in a string is kept": {
			query:       "SELECT '?' FROM t WHERE a = ? AND b > ?",
			args:        []interface{}{"x", since},
			expectQuery: "SELECT '?' FROM t WHERE a = 'x' AND b > timestamp '2024-03-01 09:30:00.000'",
		},
		"too few parameters": {
			query:     "SELECT 1 WHERE a = ? AND b = ? AND c = ?",
			args:      []interface{}{"x", since},
			expectErr: "query has more placeholders than the 2 parameters given",
		},
		"unused parameters": {
			query:     "SELECT 1 WHERE a = ?",
			args:      []interface{}{"x", since},
			expectErr: "query has 1 placeholders, expected 2",
		},
		"unsupported type": {
			query:     "SELECT 1 WHERE a = ?",
			args:      []interface{}{42},
			expectErr: "can't render parameter of type int into a query",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			query, err := inlineParameters(tt.query, tt.args...)
			if tt.expectErr != "" {
				assert.EqualError(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectQuery, query)
		})
	}
}

func TestPrestoExtractSendsNoBindParameters(t *testing.T) {
	e, err := NewSQLExtractor(Options{
		SQL: SQLOptions{
			Driver: PrestoDriver,
			DSN:    "http://user@127.0.0.1:1?catalog=hive&schema=default",
		},
	})
	require.NoError(t, err)
	defer e.(*sqlExtractor).Close()

	// nothing listens on port 1, so the query fails on the connection
	// rather than being refused by the driver
	_, err = e.Extract(context.Background(), "alpha", time.Unix(0, 0))
	require.Error(t, err)
	assert.False(t, errors.Is(err, presto.ErrOperationNotSupported), "unexpected error: %v", err)
}
