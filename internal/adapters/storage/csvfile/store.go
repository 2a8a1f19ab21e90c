// Package csvfile stores the report table as a CSV file.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/domain"
)

// utf8BOM is stripped from the first header cell when present.
const utf8BOM = "\ufeff"

// Store reads and writes one CSV report file.
type Store struct {
	path string
}

// New constructs a store for path.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: csv path is required", app.ErrInvalidConfig)
	}
	return &Store{path: path}, nil
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// LoadTable reads the file. A missing file returns app.ErrNotFound.
func (s *Store) LoadTable(_ context.Context) (domain.Table, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Table{}, app.ErrNotFound
	}
	if err != nil {
		return domain.Table{}, fmt.Errorf("open report %q: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return domain.Table{}, nil
	}
	if err != nil {
		return domain.Table{}, readError("read report header", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	table := domain.Table{Header: header}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Table{}, readError("read report row", err)
		}
		table.Rows = append(table.Rows, record)
	}
	return table, nil
}

// readError marks CSV syntax errors as a malformed export; other errors stay I/O failures.
func readError(op string, err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Errorf("%s: %w: %w", op, app.ErrMalformedExport, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveTable replaces the file atomically.
func (s *Store) SaveTable(_ context.Context, table domain.Table) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(table.Header); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report header: %w", err)
	}
	if err := w.WriteAll(table.Rows); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace report %q: %w", s.path, err)
	}
	return nil
}
