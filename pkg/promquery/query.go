// Package promquery splits long Prometheus range queries into chunks so a
// single query never returns an unbounded amount of data.
package promquery

import (
	"context"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RangeQueryer is the part of the Prometheus API used for range queries.
type RangeQueryer interface {
	QueryRange(ctx context.Context, query string, r prom.Range, opts ...prom.Option) (model.Value, prom.Warnings, error)
}

// ResultHandler is called for every chunk after it has been queried.
type ResultHandler func(ctx context.Context, timeRange prom.Range, matrix model.Matrix) error

// Chunker describes how a period is cut into query ranges.
type Chunker struct {
	ChunkSize time.Duration
	StepSize  time.Duration
	// MaxTimeRanges caps the number of chunks; zero or negative means no cap.
	MaxTimeRanges int64
	// AllowIncompleteChunks lets the final chunk stop at the end time instead
	// of requiring a full ChunkSize.
	AllowIncompleteChunks bool
}

// QueryRange runs query over [start, end] one chunk at a time, handing every
// resulting matrix to handler. It stops at the first error; the returned
// ranges are the chunks that were fully handled.
func (c Chunker) QueryRange(ctx context.Context, promConn RangeQueryer, query string, start, end time.Time, handler ResultHandler) (timeRanges []prom.Range, warnings prom.Warnings, err error) {
	for _, timeRange := range c.Ranges(start, end) {
		// check for cancellation
		select {
		case <-ctx.Done():
			return timeRanges, warnings, ctx.Err()
		default:
		}

		pVal, warn, err := promConn.QueryRange(ctx, query, timeRange)
		warnings = append(warnings, warn...)
		if err != nil {
			return timeRanges, warnings, fmt.Errorf("failed to perform Prometheus query for %s to %s: %w",
				timeRange.Start.Format(time.RFC3339), timeRange.End.Format(time.RFC3339), err)
		}

		matrix, ok := pVal.(model.Matrix)
		if !ok {
			return timeRanges, warnings, fmt.Errorf("expected a matrix in response to query, got a %v", pVal.Type())
		}

		if handler != nil {
			if err = handler(ctx, timeRange, matrix); err != nil {
				return timeRanges, warnings, err
			}
		}
		timeRanges = append(timeRanges, timeRange)
	}
	return timeRanges, warnings, nil
}

// Ranges returns the chunks covering [beginTime, endTime]. Consecutive
// chunks are separated by one step so the boundary sample isn't queried
// twice.
func (c Chunker) Ranges(beginTime, endTime time.Time) []prom.Range {
	chunkStart := truncateToMinute(beginTime)
	chunkEnd := truncateToMinute(chunkStart.Add(c.ChunkSize))

	// don't set a limit if negative or zero
	disableMax := c.MaxTimeRanges <= 0

	var timeRanges []prom.Range
	for i := int64(0); disableMax || (i < c.MaxTimeRanges); i++ {
		if c.AllowIncompleteChunks {
			if chunkEnd.After(endTime) {
				chunkEnd = truncateToMinute(endTime)
			}
			if !chunkEnd.After(chunkStart) {
				break
			}
		} else {
			// Do not collect data after endTime
			if chunkEnd.After(endTime) {
				break
			}
			// Only get chunks that are a full chunk size
			if chunkEnd.Sub(chunkStart) < c.ChunkSize {
				break
			}
		}
		timeRanges = append(timeRanges, prom.Range{
			Start: chunkStart.UTC(),
			End:   chunkEnd.UTC(),
			Step:  c.StepSize,
		})

		if c.AllowIncompleteChunks && chunkEnd.Equal(truncateToMinute(endTime)) {
			break
		}

		chunkStart = truncateToMinute(chunkEnd.Add(c.StepSize))
		chunkEnd = truncateToMinute(chunkStart.Add(c.ChunkSize))
	}

	return timeRanges
}

func truncateToMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
