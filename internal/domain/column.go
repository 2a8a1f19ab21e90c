package domain

import (
	"fmt"
	"slices"
	"strings"
)

// DoneSuffix names the virtual sub-column that follows every split column.
const DoneSuffix = " Done"

// BoardColumn describes one kanban column as configured on the board.
type BoardColumn struct {
	Name     string
	IsSplit  bool
	Position int
}

// NewBoardColumn validates and constructs one board column.
func NewBoardColumn(name string, position int, isSplit bool) (BoardColumn, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return BoardColumn{}, ErrInvalidName
	}
	if position < 0 {
		return BoardColumn{}, ErrInvalidPosition
	}
	return BoardColumn{
		Name:     name,
		IsSplit:  isSplit,
		Position: position,
	}, nil
}

// BoardSchema is the ordered list of report headers derived from a board.
// A split column contributes its own header followed by "<name> Done".
type BoardSchema struct {
	headers []string
	index   map[string]int
	split   map[string]struct{}
}

// NewBoardSchema orders columns by position and expands split columns.
func NewBoardSchema(columns []BoardColumn) (BoardSchema, error) {
	if len(columns) == 0 {
		return BoardSchema{}, ErrEmptyBoard
	}
	ordered := append([]BoardColumn(nil), columns...)
	slices.SortStableFunc(ordered, func(a, b BoardColumn) int {
		return a.Position - b.Position
	})

	schema := BoardSchema{
		headers: make([]string, 0, len(ordered)*2),
		index:   make(map[string]int, len(ordered)*2),
		split:   map[string]struct{}{},
	}
	add := func(header string) error {
		if _, ok := schema.index[header]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateColumn, header)
		}
		schema.index[header] = len(schema.headers)
		schema.headers = append(schema.headers, header)
		return nil
	}
	for _, col := range ordered {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return BoardSchema{}, ErrInvalidName
		}
		if err := add(name); err != nil {
			return BoardSchema{}, err
		}
		if col.IsSplit {
			schema.split[name] = struct{}{}
			if err := add(name + DoneSuffix); err != nil {
				return BoardSchema{}, err
			}
		}
	}
	return schema, nil
}

// Headers returns a copy of the ordered headers.
func (s BoardSchema) Headers() []string {
	return append([]string(nil), s.headers...)
}

// Len returns the number of headers, virtual done headers included.
func (s BoardSchema) Len() int {
	return len(s.headers)
}

// Index resolves a header to its position.
func (s BoardSchema) Index(header string) (int, bool) {
	idx, ok := s.index[header]
	return idx, ok
}

// IsSplit reports whether a board column has a done sub-column.
func (s BoardSchema) IsSplit(column string) bool {
	_, ok := s.split[column]
	return ok
}

// TargetHeader maps a board column and its done flag to a schema header.
func (s BoardSchema) TargetHeader(column string, isDone bool) string {
	if isDone && s.IsSplit(column) {
		return column + DoneSuffix
	}
	return column
}
