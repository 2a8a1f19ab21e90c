package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evanschultz/kanflow/internal/adapters/ado"
	"github.com/evanschultz/kanflow/internal/adapters/storage/csvfile"
	"github.com/evanschultz/kanflow/internal/adapters/storage/sqlite"
	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/config"
	"github.com/evanschultz/kanflow/internal/domain"
	"github.com/evanschultz/kanflow/internal/metrics"
	"github.com/evanschultz/kanflow/internal/platform"
)

// version is overridden at build time.
var version = "dev"

// sourceFactory builds the work item source; tests swap it for a fake.
var sourceFactory = func(cfg ado.Config) (app.WorkItemSource, error) {
	client, err := ado.New(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// cliEnv holds process-level overrides read before flag parsing.
type cliEnv struct {
	AppName    string `env:"KANFLOW_APP_NAME" envDefault:"kanflow"`
	DevMode    string `env:"KANFLOW_DEV_MODE"`
	ConfigPath string `env:"KANFLOW_CONFIG"`
	DBPath     string `env:"KANFLOW_DB_PATH"`
}

// rootOptions carries persistent flag values to subcommands.
type rootOptions struct {
	stderr     io.Writer
	env        cliEnv
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	quiet      bool
}

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := fang.Execute(context.Background(), root, fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

// run executes one command line against explicit streams.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	root.SilenceUsage = true
	root.SilenceErrors = true
	return root.ExecuteContext(ctx)
}

// newRootCommand wires persistent flags and subcommands.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stderr: stderr}
	// String fields cannot fail to parse.
	_ = env.Parse(&opts.env)
	defaultDevMode := version == "dev"
	if v, err := strconv.ParseBool(strings.TrimSpace(opts.env.DevMode)); err == nil {
		defaultDevMode = v
	}

	root := &cobra.Command{
		Use:           "kanflow",
		Short:         "Export kanban flow metrics from Azure DevOps work item history",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.env.AppName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "keep runtime logs off the console")

	root.AddCommand(
		newExportCommand(opts),
		newTimelineCommand(opts),
		newRunsCommand(opts),
		newPathsCommand(opts),
	)
	return root
}

// session bundles resolved configuration and opened resources for one command.
type session struct {
	paths  platform.Paths
	cfg    config.Config
	logger *runtimeLogger
	repo   *sqlite.Repository
}

// openSession resolves paths and config, then opens the logger and database.
func openSession(opts *rootOptions) (*session, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: opts.appName,
		DevMode: opts.devMode,
	})
	if err != nil {
		return nil, err
	}

	configPath := firstNonEmpty(opts.configPath, opts.env.ConfigPath, paths.ConfigPath)
	dbPath := firstNonEmpty(opts.dbPath, opts.env.DBPath)
	cfg, err := config.Load(configPath, config.Default(paths.DBPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if cfg, err = config.ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}

	logger, err := newRuntimeLogger(opts.stderr, opts.appName, opts.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	if opts.quiet {
		logger.SetConsoleEnabled(false)
	}
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	repo, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		_ = logger.Close()
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	return &session{paths: paths, cfg: cfg, logger: logger, repo: repo}, nil
}

// Close releases the database and log file.
func (rt *session) Close() {
	if err := rt.repo.Close(); err != nil {
		rt.logger.Warn("sqlite close failed", "db_path", rt.cfg.Database.Path, "err", err)
	}
	_ = rt.logger.Close()
}

// reportStore selects where the report table lives. An explicit out path forces CSV.
func (rt *session) reportStore(out string) (app.ReportStore, string, error) {
	if out = strings.TrimSpace(out); out == "" && rt.cfg.Export.Store == config.StoreSQLite {
		return rt.repo, rt.cfg.Database.Path, nil
	}
	path := firstNonEmpty(out, rt.cfg.Export.CSVPath, rt.paths.ReportPath)
	store, err := csvfile.New(path)
	if err != nil {
		return nil, "", err
	}
	return store, store.Path(), nil
}

// service builds the application service over the configured source.
func (rt *session) service(store app.ReportStore, parallelism int) (*app.Service, error) {
	srcCfg, err := sourceConfig(rt.cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	source, err := sourceFactory(srcCfg)
	if err != nil {
		return nil, fmt.Errorf("configure work item source: %w", err)
	}
	loc, err := rt.cfg.Location()
	if err != nil {
		return nil, err
	}
	return app.NewService(app.Dependencies{
		Source: source,
		Store:  store,
		Ledger: rt.repo,
		Logger: rt.logger,
	}, uuid.NewString, nil, app.ServiceConfig{
		Parallelism:        parallelism,
		BatchSize:          rt.cfg.Source.BatchSize,
		FixDecreasingDates: rt.cfg.Export.FixDecreasingDates,
		UseCache:           rt.cfg.Export.UseCache,
		ExtraFields:        extraFields(rt.cfg),
		FieldRefs:          fieldRefs(rt.cfg),
		Location:           loc,
	}), nil
}

// writeMetrics writes the textfile when one is configured.
func (rt *session) writeMetrics() error {
	path := strings.TrimSpace(rt.cfg.Metrics.Textfile)
	if path == "" {
		return nil
	}
	if err := config.EnsureParentDir(path); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := metrics.WriteTextfile(path); err != nil {
		return err
	}
	rt.logger.Debug("metrics textfile written", "path", path)
	return nil
}

// sourceConfig maps file and env settings onto the upstream client config.
func sourceConfig(cfg config.Config, logger app.Logger) (ado.Config, error) {
	timeout, err := cfg.SourceTimeout()
	if err != nil {
		return ado.Config{}, err
	}
	initial, err := cfg.RetryInitialInterval()
	if err != nil {
		return ado.Config{}, err
	}
	maxInterval, err := cfg.RetryMaxInterval()
	if err != nil {
		return ado.Config{}, err
	}
	return ado.Config{
		BaseURL:           cfg.Source.BaseURL,
		Organization:      cfg.Source.Organization,
		Project:           cfg.Source.Project,
		Team:              cfg.Source.Team,
		Board:             cfg.Source.Board,
		Token:             cfg.Source.Token,
		Query:             cfg.Source.Query,
		APIVersion:        cfg.Source.APIVersion,
		PageSize:          cfg.Source.PageSize,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Fields:            fieldRefs(cfg),
		Retry: ado.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
		},
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
	}, nil
}

func fieldRefs(cfg config.Config) domain.FieldRefs {
	refs := domain.DefaultFieldRefs()
	f := cfg.Source.Fields
	refs.ChangedDate = firstNonEmpty(f.ChangedDate, refs.ChangedDate)
	refs.BoardColumn = firstNonEmpty(f.BoardColumn, refs.BoardColumn)
	refs.BoardColumnDone = firstNonEmpty(f.BoardColumnDone, refs.BoardColumnDone)
	refs.Blocked = firstNonEmpty(f.Blocked, refs.Blocked)
	return refs
}

func extraFields(cfg config.Config) []domain.ExtraField {
	out := make([]domain.ExtraField, 0, len(cfg.Export.ExtraFields))
	for _, extra := range cfg.Export.ExtraFields {
		out = append(out, domain.ExtraField{
			Header: strings.TrimSpace(extra.Header),
			Field:  strings.TrimSpace(extra.Field),
		})
	}
	return out
}

// newExportCommand builds the export subcommand.
func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		full        bool
		out         string
		parallelism int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export flow metrics for every selected work item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openSession(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			store, location, err := rt.reportStore(out)
			if err != nil {
				return err
			}
			width := rt.cfg.Export.Parallelism
			if cmd.Flags().Changed("parallelism") {
				width = parallelism
			}
			svc, err := rt.service(store, width)
			if err != nil {
				return err
			}

			rt.logger.Info("command flow start", "command", "export", "full", full, "report", location, "parallelism", width)
			res, err := svc.Export(cmd.Context(), app.ExportOptions{Full: full})
			if err != nil {
				rt.logger.Error("command flow failed", "command", "export", "err", err)
				return fmt.Errorf("run export command: %w", err)
			}
			if err := rt.writeMetrics(); err != nil {
				return err
			}
			rt.logger.Info("command flow complete", "command", "export")

			run := res.Run
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %d work items to %s (new %d, changed %d, unchanged %d, cache %s)\n",
				run.Items, location, run.New, run.Changed, run.Unchanged, run.CacheStatus)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "ignore the prior export and replay every item")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report as CSV to this path")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "items replayed concurrently (overrides export.parallelism)")
	return cmd
}

// newTimelineCommand builds the single-item diagnostic subcommand.
func newTimelineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <id>",
		Short: "Replay one work item and show its column dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseWorkItemID(args[0])
			if err != nil {
				return fmt.Errorf("parse work item id %q: %w", args[0], err)
			}
			rt, err := openSession(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc, err := rt.service(nil, 1)
			if err != nil {
				return err
			}
			tl, err := svc.Timeline(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("run timeline command: %w", err)
			}
			renderTimeline(cmd.OutOrStdout(), tl)
			return nil
		},
	}
}

// newRunsCommand builds the ledger listing subcommand.
func newRunsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openSession(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := app.NewService(app.Dependencies{Ledger: rt.repo, Logger: rt.logger}, nil, nil, app.ServiceConfig{})
			runs, err := svc.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("run runs command: %w", err)
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}

// newPathsCommand prints resolved locations without opening anything.
func newPathsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Show config, database and report locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := platform.DefaultPathsWithOptions(platform.Options{
				AppName: opts.appName,
				DevMode: opts.devMode,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(w, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(w, "config: %s\n", firstNonEmpty(opts.configPath, opts.env.ConfigPath, paths.ConfigPath))
			_, _ = fmt.Fprintf(w, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(w, "db: %s\n", firstNonEmpty(opts.dbPath, opts.env.DBPath, paths.DBPath))
			_, _ = fmt.Fprintf(w, "report: %s\n", paths.ReportPath)
			return nil
		},
	}
}

// renderTimeline prints the replayed dates and transitions of one item.
func renderTimeline(w io.Writer, tl app.Timeline) {
	row := tl.Row
	_, _ = fmt.Fprintf(w, "%d %s\n", row.ID, row.Title)

	dates := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Column", "Date")
	for i, header := range tl.Schema.Headers() {
		dates.Row(header, row.Dates[i])
	}
	_, _ = fmt.Fprintln(w, dates.Render())

	if len(tl.Result.Transitions) > 0 {
		events := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("Rev", "Event", "Column", "Cleared", "Days")
		for _, tr := range tl.Result.Transitions {
			days := ""
			if tr.Kind == domain.TransitionUnblocked {
				days = strconv.Itoa(tr.Days)
			}
			events.Row(strconv.Itoa(tr.Revision), string(tr.Kind), tr.Header, strings.Join(tr.Cleared, ", "), days)
		}
		_, _ = fmt.Fprintln(w, events.Render())
	}
	_, _ = fmt.Fprintf(w, "blocked: %s, blocked days: %d, changed: %s\n", firstNonEmpty(row.Blocked, "-"), row.BlockedDays, row.ChangedDate)
}

// renderRuns prints ledger entries newest first.
func renderRuns(w io.Writer, runs []domain.ExportRun) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "no export runs recorded")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Run", "Started", "Duration", "Items", "New", "Changed", "Unchanged", "Cache", "Full")
	for _, run := range runs {
		t.Row(
			run.ID,
			run.StartedAt.Local().Format(time.DateTime),
			run.Duration().Round(time.Millisecond).String(),
			strconv.Itoa(run.Items),
			strconv.Itoa(run.New),
			strconv.Itoa(run.Changed),
			strconv.Itoa(run.Unchanged),
			string(run.CacheStatus),
			strconv.FormatBool(run.Full),
		)
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
