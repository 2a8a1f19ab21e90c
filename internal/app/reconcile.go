package app

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/evanschultz/kanflow/internal/domain"
)

// CacheLoad reports how a prior export was interpreted.
type CacheLoad struct {
	Status  domain.CacheStatus
	Reason  string
	Entries int
}

// Cache holds prior export rows keyed by work item id.
type Cache struct {
	entries map[domain.WorkItemID]domain.CacheEntry
}

// Len returns the number of cached rows.
func (c Cache) Len() int {
	return len(c.entries)
}

// Entry returns the cached row for one item.
func (c Cache) Entry(id domain.WorkItemID) (domain.CacheEntry, bool) {
	entry, ok := c.entries[id]
	return entry, ok
}

// LoadCache validates a prior export table against the current layout.
// Every problem degrades to an empty cache with a reason; it never fails.
func LoadCache(table domain.Table, layout domain.ReportLayout) (Cache, CacheLoad) {
	if len(table.Header) == 0 {
		return Cache{}, CacheLoad{Status: domain.CacheMissing, Reason: "no prior export"}
	}
	if table.ColumnIndex(domain.HeaderID) < 0 || table.ColumnIndex(domain.HeaderChangedDate) < 0 {
		return Cache{}, CacheLoad{
			Status: domain.CacheMalformed,
			Reason: fmt.Sprintf("prior export lacks %q or %q column", domain.HeaderID, domain.HeaderChangedDate),
		}
	}
	if !layout.MatchesHeader(table.Header) {
		return Cache{}, CacheLoad{
			Status: domain.CacheHeaderMismatch,
			Reason: headerDiff(layout.Headers(), table.Header),
		}
	}

	entries := make(map[domain.WorkItemID]domain.CacheEntry, len(table.Rows))
	for i, values := range table.Rows {
		row, err := layout.ParseRow(values)
		if err != nil {
			return Cache{}, CacheLoad{Status: domain.CacheMalformed, Reason: fmt.Sprintf("row %d: %v", i+1, err)}
		}
		if _, dup := entries[row.ID]; dup {
			return Cache{}, CacheLoad{Status: domain.CacheMalformed, Reason: fmt.Sprintf("row %d: duplicate id %d", i+1, row.ID)}
		}
		entries[row.ID] = domain.CacheEntry{
			ItemID:      row.ID,
			ChangedDate: row.ChangedDate,
			Row:         row,
		}
	}
	return Cache{entries: entries}, CacheLoad{Status: domain.CacheLoaded, Entries: len(entries)}
}

// headerDiff describes the first difference between two header rows.
func headerDiff(want, got []string) string {
	for i := 0; i < len(want) && i < len(got); i++ {
		if want[i] != got[i] {
			return fmt.Sprintf("header %d is %q, want %q", i, got[i], want[i])
		}
	}
	return fmt.Sprintf("header has %d columns, want %d", len(got), len(want))
}

// ReconcilePlan partitions live items into replay work and reusable rows.
type ReconcilePlan struct {
	Reprocess []domain.WorkItemID
	Reuse     map[domain.WorkItemID]domain.FlowMetricsRow
	Classes   map[domain.WorkItemID]domain.Classification
}

// Count returns how many items fell into one class.
func (p ReconcilePlan) Count(class domain.Classification) int {
	n := 0
	for _, c := range p.Classes {
		if c == class {
			n++
		}
	}
	return n
}

// Reconcile classifies every live item against the cache. Items present only in
// the cache are dropped. An item without a live changed date is never reused.
func Reconcile(cache Cache, live map[domain.WorkItemID]string) ReconcilePlan {
	ids := make([]domain.WorkItemID, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	plan := ReconcilePlan{
		Reprocess: make([]domain.WorkItemID, 0, len(ids)),
		Reuse:     map[domain.WorkItemID]domain.FlowMetricsRow{},
		Classes:   make(map[domain.WorkItemID]domain.Classification, len(ids)),
	}
	for _, id := range ids {
		entry, ok := cache.Entry(id)
		switch {
		case !ok:
			plan.Classes[id] = domain.ClassNew
			plan.Reprocess = append(plan.Reprocess, id)
		case live[id] == "" || !SameChangedDate(entry.ChangedDate, live[id]):
			plan.Classes[id] = domain.ClassChanged
			plan.Reprocess = append(plan.Reprocess, id)
		default:
			plan.Classes[id] = domain.ClassUnchanged
			plan.Reuse[id] = entry.Row
		}
	}
	return plan
}

// changedDateLayouts are the timestamp forms accepted when comparing changed dates.
var changedDateLayouts = []string{time.RFC3339Nano, time.DateTime}

// SameChangedDate compares two changed dates as instants when both parse and as
// raw strings otherwise.
func SameChangedDate(stored, live string) bool {
	a, aok := parseChangedDate(stored)
	b, bok := parseChangedDate(live)
	if aok && bok {
		return a.Equal(b)
	}
	return stored == live
}

// parseChangedDate parses input into a normalized form.
func parseChangedDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range changedDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
