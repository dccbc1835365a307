// Package watermark persists the single timestamp marking where the last
// successful extraction ended, so each run resumes where the previous one
// left off.
//
// A Store does no locking. Callers must guarantee that at most one run uses
// a given store at a time; concurrent runs can interleave their reads and
// writes and the last writer wins.
package watermark

//go:generate mockgen -destination=mock/store.go -package=mock github.com/operator-framework/metering-extractor/pkg/watermark Store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Filename is the name of the file (or object) holding the watermark.
const Filename = "lastrun"

// OverrideSource is reported by CorruptError when the unparseable value came
// from an explicit override rather than persisted state.
const OverrideSource = "override"

// DefaultWatermark is returned when nothing has been persisted yet and
// means "extract everything".
var DefaultWatermark = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// Store reads and persists the watermark.
type Store interface {
	// Get returns the lower bound for the next extraction.
	Get(ctx context.Context) (time.Time, error)

	// Set overwrites the persisted watermark with t.
	Set(ctx context.Context, t time.Time) error
}

// CorruptError is returned when a watermark value can't be parsed as a
// timestamp. It is not recoverable without an operator fixing the value.
type CorruptError struct {
	Source string
	Value  string
	Err    error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("watermark from %s is not a valid timestamp %q: %v", e.Source, e.Value, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Format renders t the way it is persisted.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse reads a human written or previously persisted timestamp. Values
// without a zone are interpreted in loc, or UTC if loc is nil.
func Parse(source, value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, &CorruptError{Source: source, Value: value, Err: fmt.Errorf("empty value")}
	}
	t, err := dateparse.ParseIn(trimmed, loc)
	if err != nil {
		return time.Time{}, &CorruptError{Source: source, Value: value, Err: err}
	}
	return t, nil
}

// defaultIn returns DefaultWatermark as midnight in loc.
func defaultIn(loc *time.Location) time.Time {
	if loc == nil {
		return DefaultWatermark
	}
	return time.Date(1970, time.January, 1, 0, 0, 0, 0, loc)
}

type overrideStore struct {
	Store
	override string
	loc      *time.Location
}

// WithOverride wraps store so that Get always returns the parsed override,
// regardless of what is persisted. Set still writes through to store.
// An empty override returns store unchanged.
func WithOverride(store Store, override string, loc *time.Location) Store {
	if override == "" {
		return store
	}
	return &overrideStore{Store: store, override: override, loc: loc}
}

func (s *overrideStore) Get(ctx context.Context) (time.Time, error) {
	return Parse(OverrideSource, s.override, s.loc)
}
