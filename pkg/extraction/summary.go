package extraction

import (
	"fmt"
	"time"
)

// TenantResult is the outcome of one tenant in a run.
type TenantResult struct {
	Tenant  string
	Records int
	// Pushed is false for dry runs.
	Pushed bool
	// Watermark is the value written after the push; zero for dry runs.
	Watermark time.Time
}

// RunSummary lists the tenants a run completed, in order. A failed run
// returns the tenants completed before the failure.
type RunSummary struct {
	Since   time.Time
	DryRun  bool
	Tenants []TenantResult
}

// Records is the number of records over all completed tenants.
func (s *RunSummary) Records() int {
	total := 0
	for _, t := range s.Tenants {
		total += t.Records
	}
	return total
}

// DeliveryError is returned when the messenger did not accept the records of
// a tenant.
type DeliveryError struct {
	Tenant string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver records for tenant '%s': %v", e.Tenant, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// formatSince renders a watermark for the dry-run report.
func formatSince(t time.Time) string {
	t = t.UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:04:05")
}
