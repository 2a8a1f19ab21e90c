package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Fixed report headers.
const (
	HeaderID          = "ID"
	HeaderLink        = "Link"
	HeaderTitle       = "Title"
	HeaderType        = "Type"
	HeaderTags        = "Tags"
	HeaderState       = "State"
	HeaderAreaPath    = "Area Path"
	HeaderBlocked     = "Blocked"
	HeaderBlockedDays = "Blocked Days"
	HeaderChangedDate = "Changed Date"
)

// ExtraField maps one upstream field reference to an output header.
type ExtraField struct {
	Header string
	Field  string
}

// FlowMetricsRow is one report row, keyed by field rather than position.
type FlowMetricsRow struct {
	ID          WorkItemID
	Link        string
	Title       string
	Type        string
	Tags        string
	Extra       []string
	State       string
	AreaPath    string
	Dates       []string
	Blocked     string
	BlockedDays int
	ChangedDate string
}

// ReportLayout fixes the header order for one run and converts rows to and from
// positional values.
type ReportLayout struct {
	extra   []ExtraField
	columns []string
	headers []string
}

// NewReportLayout builds the header list for a schema and extra field set.
func NewReportLayout(schema BoardSchema, extra []ExtraField) (ReportLayout, error) {
	layout := ReportLayout{
		extra:   make([]ExtraField, 0, len(extra)),
		columns: schema.Headers(),
	}
	headers := []string{HeaderID, HeaderLink, HeaderTitle, HeaderType, HeaderTags}
	for _, field := range extra {
		field.Header = strings.TrimSpace(field.Header)
		field.Field = strings.TrimSpace(field.Field)
		if field.Header == "" || field.Field == "" {
			return ReportLayout{}, fmt.Errorf("%w: extra field needs header and field", ErrInvalidName)
		}
		layout.extra = append(layout.extra, field)
		headers = append(headers, field.Header)
	}
	headers = append(headers, HeaderState, HeaderAreaPath)
	headers = append(headers, layout.columns...)
	headers = append(headers, HeaderBlocked, HeaderBlockedDays, HeaderChangedDate)

	seen := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		if _, ok := seen[h]; ok {
			return ReportLayout{}, fmt.Errorf("%w: %q", ErrDuplicateHeader, h)
		}
		seen[h] = struct{}{}
	}
	layout.headers = headers
	return layout, nil
}

// Headers returns a copy of the ordered headers.
func (l ReportLayout) Headers() []string {
	return append([]string(nil), l.headers...)
}

// ExtraFields returns the configured extra fields.
func (l ReportLayout) ExtraFields() []ExtraField {
	return append([]ExtraField(nil), l.extra...)
}

// ColumnHeaders returns the board headers embedded in the layout.
func (l ReportLayout) ColumnHeaders() []string {
	return append([]string(nil), l.columns...)
}

// MatchesHeader reports whether a stored header row equals this layout exactly.
func (l ReportLayout) MatchesHeader(header []string) bool {
	return slices.Equal(l.headers, header)
}

// Values serializes a row positionally.
func (l ReportLayout) Values(row FlowMetricsRow) []string {
	out := make([]string, 0, len(l.headers))
	out = append(out, row.ID.String(), row.Link, row.Title, row.Type, row.Tags)
	out = append(out, fitWidth(row.Extra, len(l.extra))...)
	out = append(out, row.State, row.AreaPath)
	out = append(out, fitWidth(row.Dates, len(l.columns))...)
	out = append(out, row.Blocked, strconv.Itoa(row.BlockedDays), row.ChangedDate)
	return out
}

// ParseRow decodes positional values written by Values.
func (l ReportLayout) ParseRow(values []string) (FlowMetricsRow, error) {
	if len(values) != len(l.headers) {
		return FlowMetricsRow{}, fmt.Errorf("%w: got %d values, want %d", ErrRowWidth, len(values), len(l.headers))
	}
	id, err := ParseWorkItemID(values[0])
	if err != nil {
		return FlowMetricsRow{}, fmt.Errorf("parse %s %q: %w", HeaderID, values[0], err)
	}
	row := FlowMetricsRow{
		ID:    id,
		Link:  values[1],
		Title: values[2],
		Type:  values[3],
		Tags:  values[4],
	}
	pos := 5
	row.Extra = append([]string(nil), values[pos:pos+len(l.extra)]...)
	pos += len(l.extra)
	row.State = values[pos]
	row.AreaPath = values[pos+1]
	pos += 2
	row.Dates = append([]string(nil), values[pos:pos+len(l.columns)]...)
	pos += len(l.columns)
	row.Blocked = values[pos]
	days, err := strconv.Atoi(values[pos+1])
	if err != nil || days < 0 {
		return FlowMetricsRow{}, fmt.Errorf("%w: %q", ErrInvalidBlockedDays, values[pos+1])
	}
	row.BlockedDays = days
	row.ChangedDate = values[pos+2]
	return row, nil
}

// AssembleRow merges static item fields with replay output.
func (l ReportLayout) AssembleRow(detail WorkItemDetail, dates ColumnDates, blockedDays int) FlowMetricsRow {
	extra := make([]string, len(l.extra))
	for i, field := range l.extra {
		extra[i] = detail.Field(field.Field)
	}
	if blockedDays < 0 {
		blockedDays = 0
	}
	return FlowMetricsRow{
		ID:          detail.ID,
		Link:        detail.Link,
		Title:       detail.Title,
		Type:        detail.Type,
		Tags:        detail.Tags,
		Extra:       extra,
		State:       detail.State,
		AreaPath:    detail.AreaPath,
		Dates:       fitWidth(dates.Format(), len(l.columns)),
		Blocked:     detail.Blocked,
		BlockedDays: blockedDays,
		ChangedDate: detail.ChangedDate,
	}
}

// fitWidth pads or truncates values to n entries.
func fitWidth(values []string, n int) []string {
	out := make([]string, n)
	copy(out, values)
	return out
}
