package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/domain"
)

func TestRepository_ReportTableLifecycle(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "kanflow.db")
	repo, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	if _, err := repo.LoadTable(ctx); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	first := domain.Table{
		Header: []string{"ID", "Title", "Changed Date"},
		Rows: [][]string{
			{"7", "seven", "2024-01-01T00:00:00Z"},
			{"42", "forty, two", ""},
		},
	}
	if err := repo.SaveTable(ctx, first); err != nil {
		t.Fatalf("SaveTable() error = %v", err)
	}
	loaded, err := repo.LoadTable(ctx)
	if err != nil {
		t.Fatalf("LoadTable() error = %v", err)
	}
	if !reflect.DeepEqual(loaded, first) {
		t.Fatalf("unexpected table %#v", loaded)
	}

	second := domain.Table{
		Header: []string{"ID", "Changed Date"},
		Rows:   [][]string{{"42", "2024-02-01T00:00:00Z"}},
	}
	if err := repo.SaveTable(ctx, second); err != nil {
		t.Fatalf("SaveTable() replace error = %v", err)
	}
	loaded, err = repo.LoadTable(ctx)
	if err != nil {
		t.Fatalf("LoadTable() after replace error = %v", err)
	}
	if !reflect.DeepEqual(loaded, second) {
		t.Fatalf("expected replaced table, got %#v", loaded)
	}

	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	loaded, err = reopened.LoadTable(ctx)
	if err != nil {
		t.Fatalf("LoadTable() after reopen error = %v", err)
	}
	if !reflect.DeepEqual(loaded, second) {
		t.Fatalf("expected table to persist, got %#v", loaded)
	}
}

func TestRepository_RunLedger(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	base := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	for i, status := range []domain.CacheStatus{domain.CacheMissing, domain.CacheLoaded, domain.CacheDisabled} {
		run := domain.ExportRun{
			ID:          "run-" + string(rune('a'+i)),
			StartedAt:   base.Add(time.Duration(i) * time.Hour).Add(time.Duration(i) * 500 * time.Millisecond),
			FinishedAt:  base.Add(time.Duration(i)*time.Hour + time.Minute),
			Items:       10 + i,
			New:         i,
			Changed:     1,
			Unchanged:   9,
			CacheStatus: status,
			Full:        status == domain.CacheDisabled,
		}
		if err := repo.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	runs, err := repo.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("expected newest first, got %q then %q", runs[0].ID, runs[1].ID)
	}
	if !runs[0].Full || runs[0].CacheStatus != domain.CacheDisabled || runs[0].Items != 12 {
		t.Fatalf("unexpected run %#v", runs[0])
	}
	if runs[1].Duration() != time.Minute-500*time.Millisecond {
		t.Fatalf("unexpected duration %s", runs[1].Duration())
	}

	if err := repo.RecordRun(ctx, domain.ExportRun{}); err == nil {
		t.Fatal("expected error for run without id")
	}
}

func TestOpenInMemoryIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := a.SaveTable(ctx, domain.Table{Header: []string{"ID"}}); err != nil {
		t.Fatalf("SaveTable() error = %v", err)
	}
	if _, err := b.LoadTable(ctx); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected separate databases, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRepository_LoadTableCorruptRowIsMalformed(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	table := domain.Table{Header: []string{"ID", "Changed Date"}, Rows: [][]string{{"7", ""}}}
	if err := repo.SaveTable(ctx, table); err != nil {
		t.Fatalf("SaveTable() error = %v", err)
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE report_rows SET values_json = '{not json'`); err != nil {
		t.Fatalf("ExecContext() error = %v", err)
	}

	if _, err := repo.LoadTable(ctx); !errors.Is(err, app.ErrMalformedExport) {
		t.Fatalf("expected ErrMalformedExport, got %v", err)
	}
}
