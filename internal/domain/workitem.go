package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// WorkItemID identifies one backlog item upstream.
type WorkItemID int

// ParseWorkItemID parses a positive decimal work item id.
func ParseWorkItemID(raw string) (WorkItemID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, ErrInvalidID
	}
	return WorkItemID(n), nil
}

// String returns the decimal form used in reports.
func (id WorkItemID) String() string {
	return strconv.Itoa(int(id))
}

// SortedWorkItemIDs returns a sorted, de-duplicated copy of ids.
func SortedWorkItemIDs(ids []WorkItemID) []WorkItemID {
	out := append([]WorkItemID(nil), ids...)
	slices.Sort(out)
	return slices.Compact(out)
}

// WorkItemDetail carries the static fields read from one detail fetch.
type WorkItemDetail struct {
	ID          WorkItemID
	Link        string
	Title       string
	Type        string
	Tags        string
	State       string
	AreaPath    string
	Blocked     string
	CreatedAt   time.Time
	ChangedDate string
	// Fields holds every upstream field rendered as text, keyed by reference name.
	Fields map[string]string
}

// Field returns one upstream field value, or "" when absent.
func (d WorkItemDetail) Field(ref string) string {
	if d.Fields == nil {
		return ""
	}
	return d.Fields[ref]
}
