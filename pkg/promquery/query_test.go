package promquery

import (
	"context"
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerRanges(t *testing.T) {
	janOne := time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		startTime             time.Time
		endTime               time.Time
		chunkSize             time.Duration
		stepSize              time.Duration
		maxTimeRanges         int64
		expectedRanges        []prom.Range
		allowIncompleteChunks bool
	}{
		"start and end are zero": {
			chunkSize:      time.Minute * 5,
			stepSize:       time.Minute,
			expectedRanges: nil,
		},
		"start and end are same": {
			startTime:      janOne,
			endTime:        janOne,
			chunkSize:      time.Minute * 5,
			stepSize:       time.Minute,
			expectedRanges: nil,
		},
		"period is exactly divisible by chunkSize": {
			startTime: janOne,
			endTime:   janOne.Add(2 * time.Hour),
			chunkSize: time.Hour,
			stepSize:  time.Minute,
			expectedRanges: []prom.Range{
				{
					Start: janOne,
					End:   janOne.Add(time.Hour),
					Step:  time.Minute,
				},
				// There is no second chunk, because it would be too small with
				// stepSize added
			},
		},
		"period is divisible by chunkSize with stepSize added": {
			startTime: janOne,
			endTime:   janOne.Add(2 * time.Hour).Add(time.Minute), // Add stepSize
			chunkSize: time.Hour,
			stepSize:  time.Minute,
			expectedRanges: []prom.Range{
				{
					Start: janOne,
					End:   janOne.Add(time.Hour),
					Step:  time.Minute,
				},
				{
					Start: janOne.Add(time.Hour + time.Minute),
					End:   janOne.Add(2*time.Hour + time.Minute),
					Step:  time.Minute,
				},
			},
		},
		"period is less than divisible by chunkSize with allowIncompleteChunks": {
			startTime:             janOne,
			endTime:               janOne.Add(30 * time.Minute),
			chunkSize:             time.Hour,
			stepSize:              time.Minute,
			allowIncompleteChunks: true,
			expectedRanges: []prom.Range{
				{
					Start: janOne,
					End:   janOne.Add(30 * time.Minute),
					Step:  time.Minute,
				},
			},
		},
		"maxTimeRanges caps the number of chunks": {
			startTime:     janOne,
			endTime:       janOne.Add(10 * time.Hour),
			chunkSize:     time.Hour,
			stepSize:      time.Minute,
			maxTimeRanges: 1,
			expectedRanges: []prom.Range{
				{
					Start: janOne,
					End:   janOne.Add(time.Hour),
					Step:  time.Minute,
				},
			},
		},
		"start after end with allowIncompleteChunks": {
			startTime:             janOne.Add(time.Hour),
			endTime:               janOne,
			chunkSize:             time.Hour,
			stepSize:              time.Minute,
			allowIncompleteChunks: true,
			expectedRanges:        nil,
		},
		"period is exactly divisible by chunkSize with allowIncompleteChunks": {
			startTime:             janOne,
			endTime:               janOne.Add(2 * time.Hour),
			chunkSize:             time.Hour,
			stepSize:              time.Minute,
			allowIncompleteChunks: true,
			expectedRanges: []prom.Range{
				{
					Start: janOne,
					End:   janOne.Add(time.Hour),
					Step:  time.Minute,
				},
				{
					Start: janOne.Add(time.Hour + time.Minute),
					End:   janOne.Add(2 * time.Hour),
					Step:  time.Minute,
				},
			},
		},
	}

	for name, test := range tests {
		// Fix closure captures
		test := test
		t.Run(name, func(t *testing.T) {
			chunker := Chunker{
				ChunkSize:             test.chunkSize,
				StepSize:              test.stepSize,
				MaxTimeRanges:         test.maxTimeRanges,
				AllowIncompleteChunks: test.allowIncompleteChunks,
			}
			assert.Equal(t, test.expectedRanges, chunker.Ranges(test.startTime, test.endTime))
		})
	}

}

type fakeQueryer struct {
	responses []fakeResponse
	queried   []prom.Range
}

type fakeResponse struct {
	value    model.Value
	warnings prom.Warnings
	err      error
}

func (f *fakeQueryer) QueryRange(ctx context.Context, query string, r prom.Range, opts ...prom.Option) (model.Value, prom.Warnings, error) {
	f.queried = append(f.queried, r)
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp.value, resp.warnings, resp.err
}

func TestChunkerQueryRange(t *testing.T) {
	janOne := time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)
	chunker := Chunker{ChunkSize: time.Hour, StepSize: time.Minute, AllowIncompleteChunks: true}
	matrix := model.Matrix{
		&model.SampleStream{
			Metric: model.Metric{"pod": "a"},
			Values: []model.SamplePair{{Timestamp: model.TimeFromUnix(janOne.Unix()), Value: 1}},
		},
	}

	t.Run("every chunk is handled", func(t *testing.T) {
		queryer := &fakeQueryer{responses: []fakeResponse{
			{value: matrix, warnings: prom.Warnings{"slow"}},
			{value: model.Matrix{}},
		}}
		var handled int
		ranges, warnings, err := chunker.QueryRange(context.Background(), queryer, "up", janOne, janOne.Add(90*time.Minute),
			func(_ context.Context, _ prom.Range, m model.Matrix) error {
				handled += len(m)
				return nil
			})
		require.NoError(t, err)
		assert.Len(t, ranges, 2)
		assert.Equal(t, queryer.queried, ranges)
		assert.Equal(t, prom.Warnings{"slow"}, warnings)
		assert.Equal(t, 1, handled)
	})

	t.Run("query errors stop processing", func(t *testing.T) {
		queryer := &fakeQueryer{responses: []fakeResponse{
			{value: matrix},
			{err: errors.New("boom")},
		}}
		ranges, _, err := chunker.QueryRange(context.Background(), queryer, "up", janOne, janOne.Add(3*time.Hour), nil)
		assert.EqualError(t, err, "failed to perform Prometheus query for 2018-01-01T01:01:00Z to 2018-01-01T02:01:00Z: boom")
		assert.Len(t, ranges, 1)
	})

	t.Run("non-matrix results are rejected", func(t *testing.T) {
		queryer := &fakeQueryer{responses: []fakeResponse{
			{value: model.Vector{}},
		}}
		_, _, err := chunker.QueryRange(context.Background(), queryer, "up", janOne, janOne.Add(time.Hour), nil)
		assert.EqualError(t, err, "expected a matrix in response to query, got a vector")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := chunker.QueryRange(ctx, &fakeQueryer{}, "up", janOne, janOne.Add(time.Hour), nil)
		assert.Equal(t, context.Canceled, err)
	})
}
