package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/domain"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Repository stores the report table and the export run ledger.
type Repository struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	dsn := fmt.Sprintf("file:kanflow-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// The database lives only as long as a connection holds it.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS report_columns (
			position INTEGER PRIMARY KEY,
			header TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS report_rows (
			position INTEGER PRIMARY KEY,
			item_id TEXT NOT NULL,
			values_json TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS export_runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			items INTEGER NOT NULL DEFAULT 0,
			new_count INTEGER NOT NULL DEFAULT 0,
			changed_count INTEGER NOT NULL DEFAULT 0,
			unchanged_count INTEGER NOT NULL DEFAULT 0,
			cache_status TEXT NOT NULL DEFAULT '',
			full_run INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_report_rows_item ON report_rows(item_id);`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_started ON export_runs(started_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// LoadTable returns the stored report, or app.ErrNotFound when none was saved.
func (r *Repository) LoadTable(ctx context.Context) (domain.Table, error) {
	header, err := r.loadHeader(ctx)
	if err != nil {
		return domain.Table{}, err
	}
	if len(header) == 0 {
		return domain.Table{}, app.ErrNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT values_json
		FROM report_rows
		ORDER BY position ASC
	`)
	if err != nil {
		return domain.Table{}, err
	}
	defer rows.Close()

	table := domain.Table{Header: header}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return domain.Table{}, err
		}
		var values []string
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return domain.Table{}, fmt.Errorf("decode report_rows values_json: %w: %w", app.ErrMalformedExport, err)
		}
		table.Rows = append(table.Rows, values)
	}
	return table, rows.Err()
}

// loadHeader reads the stored header row in order.
func (r *Repository) loadHeader(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT header
		FROM report_columns
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var header string
		if err := rows.Scan(&header); err != nil {
			return nil, err
		}
		out = append(out, header)
	}
	return out, rows.Err()
}

// SaveTable replaces the stored report in one transaction.
func (r *Repository) SaveTable(ctx context.Context, table domain.Table) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save report: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM report_columns`); err != nil {
		return fmt.Errorf("clear report_columns: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM report_rows`); err != nil {
		return fmt.Errorf("clear report_rows: %w", err)
	}
	for i, header := range table.Header {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO report_columns(position, header)
			VALUES (?, ?)
		`, i, header); err != nil {
			return fmt.Errorf("insert report column %q: %w", header, err)
		}
	}
	for i, values := range table.Rows {
		encoded, encErr := json.Marshal(values)
		if encErr != nil {
			err = fmt.Errorf("encode report row %d: %w", i, encErr)
			return err
		}
		itemID := ""
		if len(values) > 0 {
			itemID = values[0]
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO report_rows(position, item_id, values_json)
			VALUES (?, ?, ?)
		`, i, itemID, string(encoded)); err != nil {
			return fmt.Errorf("insert report row %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save report: %w", err)
	}
	return nil
}

// RecordRun appends one export run to the ledger.
func (r *Repository) RecordRun(ctx context.Context, run domain.ExportRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("export run id is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO export_runs(id, started_at, finished_at, items, new_count, changed_count, unchanged_count, cache_status, full_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, ts(run.StartedAt), ts(run.FinishedAt), run.Items, run.New, run.Changed, run.Unchanged, string(run.CacheStatus), boolToInt(run.Full))
	return err
}

// ListRuns returns the newest runs first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]domain.ExportRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, items, new_count, changed_count, unchanged_count, cache_status, full_run
		FROM export_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ExportRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// scanner matches both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun decodes one export_runs row.
func scanRun(s scanner) (domain.ExportRun, error) {
	var (
		run         domain.ExportRun
		startedRaw  string
		finishedRaw string
		status      string
		full        int
	)
	if err := s.Scan(&run.ID, &startedRaw, &finishedRaw, &run.Items, &run.New, &run.Changed, &run.Unchanged, &status, &full); err != nil {
		return domain.ExportRun{}, err
	}
	run.StartedAt = parseTS(startedRaw)
	run.FinishedAt = parseTS(finishedRaw)
	run.CacheStatus = domain.CacheStatus(status)
	run.Full = full != 0
	return run, nil
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// boolToInt converts a flag to its stored form.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
