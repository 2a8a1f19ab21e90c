package domain

import "time"

// NormalizeDates enforces non-decreasing dates up to the last populated header.
// Empty cells before it are forward-filled; cells earlier than the running maximum
// are raised to it. Headers after the last populated one stay empty.
func NormalizeDates(dates ColumnDates, createdAt time.Time) ColumnDates {
	out := dates.Clone()
	if len(out) == 0 {
		return out
	}
	last := out.LastDataIndex()
	out = SeedFirstColumn(out, createdAt)

	runningMax := createdAt
	for i := 0; i <= last; i++ {
		switch {
		case out[i].IsZero():
			out[i] = runningMax
		case out[i].Before(runningMax):
			out[i] = runningMax
		default:
			runningMax = out[i]
		}
	}
	return out
}

// SeedFirstColumn sets the first header to createdAt when it is still empty.
func SeedFirstColumn(dates ColumnDates, createdAt time.Time) ColumnDates {
	out := dates.Clone()
	if len(out) > 0 && out[0].IsZero() && !createdAt.IsZero() {
		out[0] = createdAt
	}
	return out
}
