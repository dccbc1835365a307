package extractor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/metering-extractor/pkg/db"
)

const (
	SQLName = "sql"

	// DefaultSQLQuery reads a usage table keyed by tenant. The query is
	// given the tenant and the watermark as its two parameters and must
	// return resource, metric, amount, unit, start and end, in that order.
	DefaultSQLQuery = `SELECT resource, metric, amount, unit, start_time, end_time FROM usage WHERE tenant = ? AND end_time > ? ORDER BY start_time`

	// PrestoDriver doesn't support bind parameters; its queries get the
	// parameters rendered as literals instead.
	PrestoDriver = "presto"
	// PrestoTimestampFormat is the time format string used to produce Presto timestamps.
	PrestoTimestampFormat = "2006-01-02 15:04:05.000"
)

type SQLOptions struct {
	// Driver is a registered database/sql driver name, such as presto or sqlite.
	Driver     string
	DSN        string
	Query      string
	LogQueries bool
}

type sqlExtractor struct {
	queryer db.Queryer
	query   string
	// inlineParams renders the parameters into the query text.
	inlineParams bool
	site         string
	logger       log.FieldLogger
}

// NewSQLExtractor reads usage records from any database/sql source.
func NewSQLExtractor(opts Options) (Extractor, error) {
	if opts.SQL.Driver == "" || opts.SQL.DSN == "" {
		return nil, fmt.Errorf("both a SQL driver and a DSN must be set")
	}
	conn, err := sql.Open(opts.SQL.Driver, opts.SQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", opts.SQL.Driver, err)
	}
	return newSQLExtractor(conn, opts), nil
}

func newSQLExtractor(queryer db.Queryer, opts Options) *sqlExtractor {
	query := opts.SQL.Query
	if query == "" {
		query = DefaultSQLQuery
	}
	logger := opts.logger().WithField("extractor", SQLName)
	return &sqlExtractor{
		queryer:      db.NewLoggingQueryer(queryer, logger, opts.SQL.LogQueries),
		query:        query,
		inlineParams: opts.SQL.Driver == PrestoDriver,
		site:         opts.Site,
		logger:       logger,
	}
}

func (e *sqlExtractor) Extract(ctx context.Context, tenant string, since time.Time) (records []UsageRecord, err error) {
	query, args := e.query, []interface{}{tenant, since}
	if e.inlineParams {
		if query, err = inlineParameters(query, args...); err != nil {
			return nil, &Error{Extractor: SQLName, Tenant: tenant, Err: err}
		}
		args = nil
	}
	rows, err := e.queryer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &Error{Extractor: SQLName, Tenant: tenant, Err: err}
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = &Error{Extractor: SQLName, Tenant: tenant, Err: cerr}
		}
	}()

	records = []UsageRecord{}
	for rows.Next() {
		var (
			resource, unit sql.NullString
			r              = UsageRecord{Site: e.site, Tenant: tenant}
		)
		if err := rows.Scan(&resource, &r.Metric, &r.Amount, &unit, &r.Start, &r.End); err != nil {
			return nil, &Error{Extractor: SQLName, Tenant: tenant, Err: fmt.Errorf("failed to scan usage row: %w", err)}
		}
		r.Resource = resource.String
		r.Unit = unit.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Extractor: SQLName, Tenant: tenant, Err: err}
	}
	e.logger.WithField("tenant", tenant).Debugf("read %d usage rows since %s", len(records), since)
	return records, nil
}

// Close releases the database connection.
func (e *sqlExtractor) Close() error {
	return e.queryer.Close()
}

// inlineParameters replaces every ? placeholder outside of quoted strings
// with the SQL literal of the matching argument.
func inlineParameters(query string, args ...interface{}) (string, error) {
	var b strings.Builder
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
		case r == '?' && !inString:
			if n >= len(args) {
				return "", fmt.Errorf("query has more placeholders than the %d parameters given", len(args))
			}
			lit, err := sqlLiteral(args[n])
			if err != nil {
				return "", err
			}
			b.WriteString(lit)
			n++
			continue
		}
		b.WriteRune(r)
	}
	if n != len(args) {
		return "", fmt.Errorf("query has %d placeholders, expected %d", n, len(args))
	}
	return b.String(), nil
}

func sqlLiteral(arg interface{}) (string, error) {
	switch v := arg.(type) {
	case string:
		return "'" + strings.Replace(v, "'", "''", -1) + "'", nil
	case time.Time:
		return fmt.Sprintf("timestamp '%s'", v.UTC().Format(PrestoTimestampFormat)), nil
	default:
		return "", fmt.Errorf("can't render parameter of type %T into a query", arg)
	}
}
