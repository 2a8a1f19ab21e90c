package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evanschultz/kanflow/internal/domain"
	"github.com/evanschultz/kanflow/internal/metrics"
)

// defaultBatchSize caps how many ids go into one changed-date lookup.
const defaultBatchSize = 200

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	Parallelism        int
	BatchSize          int
	FixDecreasingDates bool
	UseCache           bool
	ExtraFields        []domain.ExtraField
	FieldRefs          domain.FieldRefs
	Location           *time.Location
}

// Dependencies bundles the ports a Service talks to.
type Dependencies struct {
	Source WorkItemSource
	Store  ReportStore
	Ledger RunLedger
	Logger Logger
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service runs exports and single-item diagnostics.
type Service struct {
	source WorkItemSource
	store  ReportStore
	ledger RunLedger
	logger Logger
	idGen  IDGenerator
	clock  Clock
	cfg    ServiceConfig
}

// NewService constructs a new value for this package.
func NewService(deps Dependencies, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FieldRefs == (domain.FieldRefs{}) {
		cfg.FieldRefs = domain.DefaultFieldRefs()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		source: deps.Source,
		store:  deps.Store,
		ledger: deps.Ledger,
		logger: deps.Logger,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
	}
}

// LoadSchema fetches the board columns and builds the date schema.
func (s *Service) LoadSchema(ctx context.Context) (domain.BoardSchema, error) {
	if s.source == nil {
		return domain.BoardSchema{}, fmt.Errorf("%w: work item source is not configured", ErrInvalidConfig)
	}
	columns, err := s.source.BoardColumns(ctx)
	if err != nil {
		return domain.BoardSchema{}, fmt.Errorf("load board columns: %w", err)
	}
	schema, err := domain.NewBoardSchema(columns)
	if err != nil {
		return domain.BoardSchema{}, fmt.Errorf("build board schema: %w", err)
	}
	return schema, nil
}

// ExportOptions holds per-run options.
type ExportOptions struct {
	// Full ignores the prior export and replays every item.
	Full bool
}

// ExportResult describes one completed export.
type ExportResult struct {
	Run       domain.ExportRun
	Layout    domain.ReportLayout
	Rows      []domain.FlowMetricsRow
	Table     domain.Table
	CacheLoad CacheLoad
}

// Export builds the report: rows for unchanged items come from the prior
// export, every other item is replayed from history. Nothing is saved when any
// upstream call fails.
func (s *Service) Export(ctx context.Context, opts ExportOptions) (ExportResult, error) {
	if s.store == nil {
		return ExportResult{}, fmt.Errorf("%w: report store is not configured", ErrInvalidConfig)
	}
	started := s.clock()
	run := domain.ExportRun{ID: s.idGen(), StartedAt: started, Full: opts.Full}

	schema, err := s.LoadSchema(ctx)
	if err != nil {
		return ExportResult{}, err
	}
	layout, err := domain.NewReportLayout(schema, s.cfg.ExtraFields)
	if err != nil {
		return ExportResult{}, fmt.Errorf("build report layout: %w", err)
	}

	ids, err := s.source.QueryWorkItemIDs(ctx)
	if err != nil {
		return ExportResult{}, fmt.Errorf("query work items: %w", err)
	}
	ids = domain.SortedWorkItemIDs(ids)
	s.logger.Info("work items queried", "count", len(ids), "columns", schema.Len())

	cache, load, err := s.loadCache(ctx, layout, opts.Full)
	if err != nil {
		return ExportResult{}, err
	}
	metrics.IncCacheLoad(load.Status)
	if load.Status != domain.CacheLoaded && load.Status != domain.CacheDisabled {
		s.logger.Warn("prior export not reused", "status", load.Status, "reason", load.Reason)
	}

	live, err := s.liveChangedDates(ctx, ids, cache.Len() > 0)
	if err != nil {
		return ExportResult{}, err
	}
	plan := Reconcile(cache, live)
	run.New = plan.Count(domain.ClassNew)
	run.Changed = plan.Count(domain.ClassChanged)
	run.Unchanged = plan.Count(domain.ClassUnchanged)
	s.logger.Info("work items reconciled", "new", run.New, "changed", run.Changed, "unchanged", run.Unchanged)

	replayer := domain.NewReplayer(schema, s.cfg.Location)
	fresh, err := s.replayAll(ctx, replayer, layout, plan.Reprocess, started)
	if err != nil {
		return ExportResult{}, err
	}

	rows := make([]domain.FlowMetricsRow, 0, len(ids))
	for _, id := range ids {
		if row, ok := plan.Reuse[id]; ok {
			rows = append(rows, row)
			continue
		}
		rows = append(rows, fresh[id])
	}
	table := domain.Table{Header: layout.Headers(), Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		table.Rows = append(table.Rows, layout.Values(row))
	}
	if err := s.store.SaveTable(ctx, table); err != nil {
		return ExportResult{}, fmt.Errorf("save report: %w", err)
	}

	metrics.AddItemsClassified(domain.ClassNew, run.New)
	metrics.AddItemsClassified(domain.ClassChanged, run.Changed)
	metrics.AddItemsClassified(domain.ClassUnchanged, run.Unchanged)

	run.Items = len(rows)
	run.CacheStatus = load.Status
	run.FinishedAt = s.clock()
	if s.ledger != nil {
		if err := s.ledger.RecordRun(ctx, run); err != nil {
			s.logger.Warn("export run not recorded", "run_id", run.ID, "err", err)
		}
	}
	s.logger.Info("export complete", "run_id", run.ID, "items", run.Items, "reprocessed", run.Reprocessed(), "duration", run.Duration())

	return ExportResult{Run: run, Layout: layout, Rows: rows, Table: table, CacheLoad: load}, nil
}

// loadCache reads and validates the prior export.
func (s *Service) loadCache(ctx context.Context, layout domain.ReportLayout, full bool) (Cache, CacheLoad, error) {
	if full || !s.cfg.UseCache {
		return Cache{}, CacheLoad{Status: domain.CacheDisabled}, nil
	}
	table, err := s.store.LoadTable(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		return Cache{}, CacheLoad{Status: domain.CacheMissing, Reason: "no prior export"}, nil
	case errors.Is(err, ErrMalformedExport):
		return Cache{}, CacheLoad{Status: domain.CacheMalformed, Reason: err.Error()}, nil
	case err != nil:
		return Cache{}, CacheLoad{}, fmt.Errorf("load prior export: %w", err)
	}
	cache, load := LoadCache(table, layout)
	return cache, load, nil
}

// liveChangedDates returns the current changed date of every id. Lookups are
// skipped when there is no cache to compare against; ids missing from a
// response keep an empty date so they are replayed.
func (s *Service) liveChangedDates(ctx context.Context, ids []domain.WorkItemID, lookup bool) (map[domain.WorkItemID]string, error) {
	live := make(map[domain.WorkItemID]string, len(ids))
	for _, id := range ids {
		live[id] = ""
	}
	if !lookup {
		return live, nil
	}
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(ids))
		dates, err := s.source.ChangedDates(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("lookup changed dates: %w", err)
		}
		for id, changed := range dates {
			if _, ok := live[id]; ok {
				live[id] = changed
			}
		}
	}
	missing := 0
	for _, changed := range live {
		if changed == "" {
			missing++
		}
	}
	if missing > 0 {
		s.logger.Warn("changed date missing for work items", "count", missing, "err", ErrMissingLiveItem)
	}
	return live, nil
}

// replayAll replays ids with at most Parallelism concurrent items. The first
// failure cancels the rest.
func (s *Service) replayAll(ctx context.Context, replayer domain.Replayer, layout domain.ReportLayout, ids []domain.WorkItemID, now time.Time) (map[domain.WorkItemID]domain.FlowMetricsRow, error) {
	rows := make([]domain.FlowMetricsRow, len(ids))
	replayOne := func(ctx context.Context, i int) error {
		began := time.Now()
		item, err := s.replayItem(ctx, replayer, layout, ids[i], now)
		if err != nil {
			return fmt.Errorf("replay work item %d: %w", ids[i], err)
		}
		metrics.ObserveItemReplay(time.Since(began))
		s.logger.Debug("work item replayed", "id", ids[i], "events", len(item.Events), "blocked_days", item.Result.BlockedDays)
		rows[i] = item.Row
		return nil
	}

	if s.cfg.Parallelism <= 1 {
		for i := range ids {
			if err := replayOne(ctx, i); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Parallelism)
		for i := range ids {
			g.Go(func() error { return replayOne(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	out := make(map[domain.WorkItemID]domain.FlowMetricsRow, len(ids))
	for i, id := range ids {
		out[id] = rows[i]
	}
	return out, nil
}

// ItemReplay is the full derivation of one report row.
type ItemReplay struct {
	Detail domain.WorkItemDetail
	Events []domain.FieldChangeEvent
	Result domain.ReplayResult
	Dates  domain.ColumnDates
	Row    domain.FlowMetricsRow
}

// replayItem fetches one item and derives its row.
func (s *Service) replayItem(ctx context.Context, replayer domain.Replayer, layout domain.ReportLayout, id domain.WorkItemID, now time.Time) (ItemReplay, error) {
	detail, err := s.source.WorkItem(ctx, id)
	if err != nil {
		return ItemReplay{}, fmt.Errorf("fetch detail: %w", err)
	}
	if detail.ID == 0 {
		detail.ID = id
	}
	records, err := s.source.Revisions(ctx, id)
	if err != nil {
		return ItemReplay{}, fmt.Errorf("fetch history: %w", err)
	}

	events := domain.NormalizeRevisions(id, records, s.cfg.FieldRefs)
	result := replayer.Replay(events, now)
	created := domain.CalendarDate(detail.CreatedAt, s.cfg.Location)
	dates := result.Dates
	if s.cfg.FixDecreasingDates {
		dates = domain.NormalizeDates(dates, created)
	} else {
		dates = domain.SeedFirstColumn(dates, created)
	}
	return ItemReplay{
		Detail: detail,
		Events: events,
		Result: result,
		Dates:  dates,
		Row:    layout.AssembleRow(detail, dates, result.BlockedDays),
	}, nil
}

// Timeline is a single-item diagnostic replay.
type Timeline struct {
	Schema domain.BoardSchema
	Layout domain.ReportLayout
	ItemReplay
}

// Timeline replays one item without touching the store.
func (s *Service) Timeline(ctx context.Context, id domain.WorkItemID) (Timeline, error) {
	schema, err := s.LoadSchema(ctx)
	if err != nil {
		return Timeline{}, err
	}
	layout, err := domain.NewReportLayout(schema, s.cfg.ExtraFields)
	if err != nil {
		return Timeline{}, fmt.Errorf("build report layout: %w", err)
	}
	item, err := s.replayItem(ctx, domain.NewReplayer(schema, s.cfg.Location), layout, id, s.clock())
	if err != nil {
		return Timeline{}, fmt.Errorf("replay work item %d: %w", id, err)
	}
	return Timeline{Schema: schema, Layout: layout, ItemReplay: item}, nil
}

// ListRuns returns recent export runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.ExportRun, error) {
	if s.ledger == nil {
		return nil, fmt.Errorf("%w: run ledger is not configured", ErrInvalidConfig)
	}
	if limit < 1 {
		limit = 20
	}
	return s.ledger.ListRuns(ctx, limit)
}
