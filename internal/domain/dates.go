package domain

import "time"

// DateLayout is the calendar-date format written to reports.
const DateLayout = "2006-01-02"

// ColumnDates holds one optional calendar date per schema header, aligned by index.
// The zero time marks a header the item has not (or no longer) reached.
type ColumnDates []time.Time

// NewColumnDates returns an empty date set sized for schema.
func NewColumnDates(schema BoardSchema) ColumnDates {
	return make(ColumnDates, schema.Len())
}

// Clone returns an independent copy.
func (d ColumnDates) Clone() ColumnDates {
	return append(ColumnDates(nil), d...)
}

// IsSet reports whether index i holds a date.
func (d ColumnDates) IsSet(i int) bool {
	return i >= 0 && i < len(d) && !d[i].IsZero()
}

// LastDataIndex returns the highest populated index, or -1.
func (d ColumnDates) LastDataIndex() int {
	for i := len(d) - 1; i >= 0; i-- {
		if !d[i].IsZero() {
			return i
		}
	}
	return -1
}

// Lookup returns the date recorded for one header.
func (d ColumnDates) Lookup(schema BoardSchema, header string) (time.Time, bool) {
	idx, ok := schema.Index(header)
	if !ok || !d.IsSet(idx) {
		return time.Time{}, false
	}
	return d[idx], true
}

// Format renders every date as YYYY-MM-DD, empty for unset headers.
func (d ColumnDates) Format() []string {
	out := make([]string, len(d))
	for i, date := range d {
		if date.IsZero() {
			continue
		}
		out[i] = date.Format(DateLayout)
	}
	return out
}

// CalendarDate truncates t to its calendar day in loc.
// The result is midnight UTC of that day so day arithmetic ignores DST.
func CalendarDate(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	if loc == nil {
		loc = time.UTC
	}
	y, m, day := t.In(loc).Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from one date to another.
// Partial days are truncated, so two instants on the same day yield 0.
func DaysBetween(from, to time.Time) int {
	from = CalendarDate(from, time.UTC)
	to = CalendarDate(to, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
