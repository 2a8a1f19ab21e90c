package domain

// Table is a rectangular report: a header row and positionally aligned rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// ColumnIndex returns the position of header, or -1.
func (t Table) ColumnIndex(header string) int {
	for i, h := range t.Header {
		if h == header {
			return i
		}
	}
	return -1
}
