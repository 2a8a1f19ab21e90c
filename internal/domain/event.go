package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// BlockedFlag is the upstream Yes/No blocked marker.
type BlockedFlag string

// BlockedFlag values.
const (
	BlockedYes BlockedFlag = "Yes"
	BlockedNo  BlockedFlag = "No"
)

// ParseBlockedFlag accepts Yes/No in any case.
func ParseBlockedFlag(raw string) (BlockedFlag, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes":
		return BlockedYes, true
	case "no":
		return BlockedNo, true
	default:
		return "", false
	}
}

// FieldChangeEvent is one coalesced revision of a work item.
// Nil fields were not touched by the revision.
type FieldChangeEvent struct {
	ItemID          WorkItemID
	Revision        int
	ChangedAt       *time.Time
	BoardColumn     *string
	BoardColumnDone *bool
	Blocked         *BlockedFlag
}

// TouchesColumn reports whether the event moves the item on the board.
func (e FieldChangeEvent) TouchesColumn() bool {
	return e.BoardColumn != nil || e.BoardColumnDone != nil
}

// RevisionRecord is one raw history record: new values keyed by field reference.
type RevisionRecord struct {
	Revision int
	Fields   map[string]any
}

// FieldRefs names the upstream fields the history replay reads.
type FieldRefs struct {
	ChangedDate     string
	BoardColumn     string
	BoardColumnDone string
	Blocked         string
}

// DefaultFieldRefs returns the Azure DevOps reference names.
func DefaultFieldRefs() FieldRefs {
	return FieldRefs{
		ChangedDate:     "System.ChangedDate",
		BoardColumn:     "System.BoardColumn",
		BoardColumnDone: "System.BoardColumnDone",
		Blocked:         "Microsoft.VSTS.CMMI.Blocked",
	}
}

// NormalizeRevisions turns raw history records into ordered typed events.
// Records sharing a revision are coalesced (later records win per field) and the
// result is stable-sorted by revision so fetch order breaks ties.
func NormalizeRevisions(itemID WorkItemID, records []RevisionRecord, refs FieldRefs) []FieldChangeEvent {
	events := make([]FieldChangeEvent, 0, len(records))
	byRevision := make(map[int]int, len(records))
	for _, rec := range records {
		pos, ok := byRevision[rec.Revision]
		if !ok {
			pos = len(events)
			byRevision[rec.Revision] = pos
			events = append(events, FieldChangeEvent{ItemID: itemID, Revision: rec.Revision})
		}
		applyRevisionFields(&events[pos], rec.Fields, refs)
	}
	slices.SortStableFunc(events, func(a, b FieldChangeEvent) int {
		return a.Revision - b.Revision
	})
	return events
}

// applyRevisionFields decodes the tracked fields of one record into ev.
func applyRevisionFields(ev *FieldChangeEvent, fields map[string]any, refs FieldRefs) {
	if raw, ok := fields[refs.ChangedDate]; ok {
		ev.ChangedAt = decodeTime(raw)
	}
	if raw, ok := fields[refs.BoardColumn]; ok {
		if s, ok := FieldText(raw); ok && strings.TrimSpace(s) != "" {
			col := strings.TrimSpace(s)
			ev.BoardColumn = &col
		}
	}
	if raw, ok := fields[refs.BoardColumnDone]; ok {
		if done, ok := decodeBool(raw); ok {
			ev.BoardColumnDone = &done
		}
	}
	if raw, ok := fields[refs.Blocked]; ok {
		if s, ok := FieldText(raw); ok {
			if flag, ok := ParseBlockedFlag(s); ok {
				ev.Blocked = &flag
			}
		}
	}
}

// decodeTime parses an RFC 3339 timestamp; anything else is treated as absent.
func decodeTime(raw any) *time.Time {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return nil
		}
		return &v
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		return &ts
	default:
		return nil
	}
}

// decodeBool accepts JSON booleans and their string forms.
func decodeBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// FieldText renders an upstream field value as report text.
// Identity objects render as their display name.
func FieldText(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case map[string]any:
		if name, ok := v["displayName"].(string); ok {
			return name, true
		}
		return fmt.Sprint(v), true
	default:
		return fmt.Sprint(v), true
	}
}
