package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evanschultz/kanflow/internal/adapters/ado"
	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/config"
	"github.com/evanschultz/kanflow/internal/domain"
)

// TestMain sets deterministic environment defaults for CLI tests.
func TestMain(m *testing.M) {
	_ = os.Setenv("KANFLOW_DEV_MODE", "false")
	os.Exit(m.Run())
}

// stubSource serves a fixed two-item board.
type stubSource struct {
	mu          sync.Mutex
	columnsErr  error
	detailCalls int
}

func (s *stubSource) BoardColumns(context.Context) ([]domain.BoardColumn, error) {
	if s.columnsErr != nil {
		return nil, s.columnsErr
	}
	return []domain.BoardColumn{
		{Name: "New", Position: 0},
		{Name: "Doing", Position: 1, IsSplit: true},
		{Name: "Done", Position: 2},
	}, nil
}

func (s *stubSource) QueryWorkItemIDs(context.Context) ([]domain.WorkItemID, error) {
	return []domain.WorkItemID{42, 7}, nil
}

func (s *stubSource) ChangedDates(_ context.Context, ids []domain.WorkItemID) (map[domain.WorkItemID]string, error) {
	out := map[domain.WorkItemID]string{}
	for _, id := range ids {
		out[id] = "2024-01-08T12:00:00Z"
	}
	return out, nil
}

func (s *stubSource) WorkItem(_ context.Context, id domain.WorkItemID) (domain.WorkItemDetail, error) {
	s.mu.Lock()
	s.detailCalls++
	s.mu.Unlock()
	return domain.WorkItemDetail{
		ID:          id,
		Title:       "Item " + id.String(),
		CreatedAt:   time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		ChangedDate: "2024-01-08T12:00:00Z",
	}, nil
}

func (s *stubSource) Revisions(_ context.Context, _ domain.WorkItemID) ([]domain.RevisionRecord, error) {
	return []domain.RevisionRecord{
		{Revision: 1, Fields: map[string]any{"System.ChangedDate": "2024-01-01T10:00:00Z", "System.BoardColumn": "New"}},
		{Revision: 2, Fields: map[string]any{"System.ChangedDate": "2024-01-03T10:00:00Z", "System.BoardColumn": "Doing"}},
		{Revision: 3, Fields: map[string]any{"System.ChangedDate": "2024-01-05T10:00:00Z", "System.BoardColumnDone": true}},
	}, nil
}

func (s *stubSource) details() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailCalls
}

// useStubSource installs src as the work item source for one test.
func useStubSource(t *testing.T, src *stubSource) {
	t.Helper()
	orig := sourceFactory
	t.Cleanup(func() { sourceFactory = orig })
	sourceFactory = func(ado.Config) (app.WorkItemSource, error) { return src, nil }
}

// writeConfig writes a config file pinned to UTC plus any extra TOML.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "kanflow.toml")
	content := "[export]\ntimezone = \"UTC\"\n" + extra
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"bogus"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunInvalidFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--definitely-not-a-flag"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected invalid flag error")
	}
}

func TestRunPathsCommand(t *testing.T) {
	var out strings.Builder
	err := run(context.Background(), []string{"--app", "flowx", "--dev", "paths"}, &out, io.Discard)
	if err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	output := out.String()
	for _, want := range []string{"app: flowx", "dev_mode: true", "flowx-dev", "report: "} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in paths output, got %q", want, output)
		}
	}
}

func TestRunExportWritesCSVAndReusesPriorExport(t *testing.T) {
	src := &stubSource{}
	useStubSource(t, src)
	tmp := t.TempDir()
	cfgPath := writeConfig(t, tmp, "")
	dbPath := filepath.Join(tmp, "kanflow.db")
	outPath := filepath.Join(tmp, "reports", "flow.csv")
	args := []string{"--quiet", "--config", cfgPath, "--db", dbPath, "export", "--out", outPath}

	var first strings.Builder
	if err := run(context.Background(), args, &first, io.Discard); err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	if !strings.Contains(first.String(), "exported 2 work items") || !strings.Contains(first.String(), "new 2") {
		t.Fatalf("unexpected first export output %q", first.String())
	}
	content, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "ID,Link,Title,Type,Tags,State,Area Path,New,Doing,Doing Done,Done,Blocked,Blocked Days,Changed Date") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "7,") || !strings.Contains(lines[1], "2024-01-01,2024-01-03,2024-01-05,") {
		t.Fatalf("unexpected first row %q", lines[1])
	}

	before := src.details()
	var second strings.Builder
	if err := run(context.Background(), args, &second, io.Discard); err != nil {
		t.Fatalf("run(export) rerun error = %v", err)
	}
	if !strings.Contains(second.String(), "unchanged 2") {
		t.Fatalf("expected cached rows on rerun, got %q", second.String())
	}
	if src.details() != before {
		t.Fatalf("expected no detail fetches on rerun, got %d more", src.details()-before)
	}
	again, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(content, again) {
		t.Fatal("expected identical report on rerun")
	}
}

func TestRunExportRecoversFromUnreadablePriorReport(t *testing.T) {
	useStubSource(t, &stubSource{})
	tmp := t.TempDir()
	outPath := filepath.Join(tmp, "flow.csv")
	if err := os.WriteFile(outPath, []byte("ID,Changed Date\n1,\"bad\"quote\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	args := []string{"-q", "--config", writeConfig(t, tmp, ""), "--db", filepath.Join(tmp, "kanflow.db"), "export", "--out", outPath}

	var out strings.Builder
	if err := run(context.Background(), args, &out, io.Discard); err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	if !strings.Contains(out.String(), "new 2") || !strings.Contains(out.String(), "cache malformed") {
		t.Fatalf("expected full replay over a malformed cache, got %q", out.String())
	}
	content, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(content), "ID,Link,Title") {
		t.Fatalf("expected report to be rewritten, got %q", content)
	}
}

func TestRunExportSQLiteStoreAndRuns(t *testing.T) {
	useStubSource(t, &stubSource{})
	tmp := t.TempDir()
	cfgPath := writeConfig(t, tmp, "store = \"sqlite\"\n")
	dbPath := filepath.Join(tmp, "kanflow.db")

	for _, extra := range [][]string{nil, {"--full"}} {
		args := append([]string{"-q", "--config", cfgPath, "--db", dbPath, "export"}, extra...)
		if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
			t.Fatalf("run(export %v) error = %v", extra, err)
		}
	}

	var out strings.Builder
	if err := run(context.Background(), []string{"-q", "--config", cfgPath, "--db", dbPath, "runs"}, &out, io.Discard); err != nil {
		t.Fatalf("run(runs) error = %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "disabled") || !strings.Contains(output, "missing") {
		t.Fatalf("expected both runs listed, got %q", output)
	}
}

func TestRunRunsEmptyLedger(t *testing.T) {
	tmp := t.TempDir()
	var out strings.Builder
	args := []string{"-q", "--config", writeConfig(t, tmp, ""), "--db", filepath.Join(tmp, "kanflow.db"), "runs"}
	if err := run(context.Background(), args, &out, io.Discard); err != nil {
		t.Fatalf("run(runs) error = %v", err)
	}
	if !strings.Contains(out.String(), "no export runs recorded") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunExportUpstreamFailureWritesNothing(t *testing.T) {
	useStubSource(t, &stubSource{columnsErr: errors.New("board unavailable")})
	tmp := t.TempDir()
	outPath := filepath.Join(tmp, "flow.csv")
	args := []string{"-q", "--config", writeConfig(t, tmp, ""), "--db", filepath.Join(tmp, "kanflow.db"), "export", "--out", outPath}

	err := run(context.Background(), args, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "board unavailable") {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, statErr := os.Stat(outPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected no report file, stat error %v", statErr)
	}
}

func TestRunExportWritesMetricsTextfile(t *testing.T) {
	useStubSource(t, &stubSource{})
	tmp := t.TempDir()
	promPath := filepath.Join(tmp, "metrics", "kanflow.prom")
	cfgPath := writeConfig(t, tmp, "[metrics]\ntextfile = \""+filepath.ToSlash(promPath)+"\"\n")
	args := []string{"-q", "--config", cfgPath, "--db", filepath.Join(tmp, "kanflow.db"), "export", "--out", filepath.Join(tmp, "flow.csv")}

	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	content, err := os.ReadFile(promPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "kanflow_items_classified_total") {
		t.Fatalf("expected classification counter in textfile, got %q", content)
	}
}

func TestRunTimelineRendersDates(t *testing.T) {
	useStubSource(t, &stubSource{})
	tmp := t.TempDir()
	var out strings.Builder
	args := []string{"-q", "--config", writeConfig(t, tmp, ""), "--db", filepath.Join(tmp, "kanflow.db"), "timeline", "42"}
	if err := run(context.Background(), args, &out, io.Discard); err != nil {
		t.Fatalf("run(timeline) error = %v", err)
	}
	output := out.String()
	for _, want := range []string{"42 Item 42", "Doing Done", "2024-01-05", "enter"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in timeline output, got %q", want, output)
		}
	}
}

func TestRunTimelineRejectsInvalidID(t *testing.T) {
	err := run(context.Background(), []string{"timeline", "abc"}, io.Discard, io.Discard)
	if !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestRunConfigAndDBEnvOverrides(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "env.db")
	cfgPath := writeConfig(t, tmp, "[database]\npath = \"/tmp/ignore-me.db\"\n")

	t.Setenv("KANFLOW_CONFIG", cfgPath)
	t.Setenv("KANFLOW_DB_PATH", dbPath)

	if err := run(context.Background(), []string{"-q", "runs"}, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(runs with env paths) error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db created at env path, stat error %v", err)
	}
}

func TestRunRejectsInvalidLoggingLevelFromConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "kanflow.toml")
	if err := os.WriteFile(cfgPath, []byte("[logging]\nlevel = \"verbose\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	err := run(context.Background(), []string{"--db", filepath.Join(tmp, "kanflow.db"), "--config", cfgPath, "runs"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "invalid logging.level") {
		t.Fatalf("expected logging level validation error, got %v", err)
	}
}

func TestRunDevModeCreatesWorkspaceLogFile(t *testing.T) {
	workspace := t.TempDir()
	t.Chdir(workspace)

	cfgPath := writeConfig(t, workspace, "")
	args := []string{"--dev", "-q", "--db", filepath.Join(workspace, "kanflow.db"), "--config", cfgPath, "runs"}
	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(workspace, ".kanflow", "log"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	foundLog := false
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".log") {
			foundLog = true
		}
	}
	if !foundLog {
		t.Fatalf("expected a .log file, got %v", entries)
	}
}

func TestSourceConfigMapsSettings(t *testing.T) {
	cfg := config.Default("/tmp/kanflow.db")
	cfg.Source.Organization = "acme"
	cfg.Source.Project = "Rocket"
	cfg.Source.Fields.Blocked = "Custom.Blocked"
	cfg.Source.Fields.BoardColumn = ""

	got, err := sourceConfig(cfg, nil)
	if err != nil {
		t.Fatalf("sourceConfig() error = %v", err)
	}
	if got.Organization != "acme" || got.Retry.MaxAttempts != 5 || got.Retry.InitialInterval != 500*time.Millisecond {
		t.Fatalf("unexpected source config %#v", got)
	}
	if got.Fields.Blocked != "Custom.Blocked" || got.Fields.BoardColumn != "System.BoardColumn" {
		t.Fatalf("unexpected field refs %#v", got.Fields)
	}
	if got.HTTPClient.Timeout != time.Minute {
		t.Fatalf("unexpected timeout %s", got.HTTPClient.Timeout)
	}
}

func TestWorkspaceRootFromUsesNearestMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/test\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "cmd", "kanflow")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if got := workspaceRootFrom(nested); filepath.Clean(got) != filepath.Clean(root) {
		t.Fatalf("expected workspace root %q, got %q", root, got)
	}
}

func TestDevLogFilePathUsesAppStemAndDay(t *testing.T) {
	got, err := devLogFilePath("/var/log/kanflow", "team/flow", time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("devLogFilePath() error = %v", err)
	}
	want := filepath.Join("/var/log/kanflow", "team-flow-20260222.log")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRuntimeLoggerCanMuteConsoleSink(t *testing.T) {
	var console bytes.Buffer
	cfg := config.Default("/tmp/kanflow.db").Logging

	logger, err := newRuntimeLogger(&console, "kanflow", false, cfg, func() time.Time {
		return time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	})
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}

	logger.Info("before")
	logger.SetConsoleEnabled(false)
	logger.Info("during")
	logger.SetConsoleEnabled(true)
	logger.Info("after")

	out := console.String()
	if !strings.Contains(out, "before") || strings.Contains(out, "during") || !strings.Contains(out, "after") {
		t.Fatalf("unexpected console output %q", out)
	}
}
