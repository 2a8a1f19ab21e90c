package app

import (
	"context"

	"github.com/evanschultz/kanflow/internal/domain"
)

// WorkItemSource reads boards, item ids and item history from the tracker.
type WorkItemSource interface {
	BoardColumns(context.Context) ([]domain.BoardColumn, error)
	QueryWorkItemIDs(context.Context) ([]domain.WorkItemID, error)
	ChangedDates(context.Context, []domain.WorkItemID) (map[domain.WorkItemID]string, error)
	WorkItem(context.Context, domain.WorkItemID) (domain.WorkItemDetail, error)
	Revisions(context.Context, domain.WorkItemID) ([]domain.RevisionRecord, error)
}

// ReportStore persists the report table between runs. LoadTable returns
// ErrNotFound when no prior export exists and wraps ErrMalformedExport when the
// stored export cannot be decoded.
type ReportStore interface {
	LoadTable(context.Context) (domain.Table, error)
	SaveTable(context.Context, domain.Table) error
}

// RunLedger records completed exports.
type RunLedger interface {
	RecordRun(context.Context, domain.ExportRun) error
	ListRuns(context.Context, int) ([]domain.ExportRun, error)
}

// Logger receives structured runtime events from the service.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
}

// nopLogger discards every event.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
