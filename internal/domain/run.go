package domain

import "time"

// CacheStatus describes how the prior export was used by a run.
type CacheStatus string

// CacheStatus values.
const (
	CacheLoaded         CacheStatus = "loaded"
	CacheMissing        CacheStatus = "missing"
	CacheHeaderMismatch CacheStatus = "header_mismatch"
	CacheMalformed      CacheStatus = "malformed"
	CacheDisabled       CacheStatus = "disabled"
)

// ExportRun is one ledger entry describing a completed export.
type ExportRun struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Items       int
	New         int
	Changed     int
	Unchanged   int
	CacheStatus CacheStatus
	Full        bool
}

// Reprocessed returns how many items were replayed from history.
func (r ExportRun) Reprocessed() int {
	return r.New + r.Changed
}

// Duration returns the wall time of the run.
func (r ExportRun) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
