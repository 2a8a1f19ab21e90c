package domain

// Classification is the delta state of one live item relative to the prior export.
type Classification string

// Classification values.
const (
	ClassNew       Classification = "new"
	ClassChanged   Classification = "changed"
	ClassUnchanged Classification = "unchanged"
)

// CacheEntry is one row of the prior export, reused verbatim when unchanged.
type CacheEntry struct {
	ItemID      WorkItemID
	ChangedDate string
	Row         FlowMetricsRow
}
