package ado

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/evanschultz/kanflow/internal/domain"
)

// Standard field references read from work item details.
const (
	fieldTitle       = "System.Title"
	fieldType        = "System.WorkItemType"
	fieldTags        = "System.Tags"
	fieldState       = "System.State"
	fieldAreaPath    = "System.AreaPath"
	fieldCreatedDate = "System.CreatedDate"
	fieldID          = "System.Id"
)

type boardColumnsResponse struct {
	Value []struct {
		Name    string `json:"name"`
		IsSplit bool   `json:"isSplit"`
	} `json:"value"`
}

type wiqlResponse struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

type workItemResponse struct {
	ID     int            `json:"id"`
	Fields map[string]any `json:"fields"`
}

type workItemsBatchResponse struct {
	Value []workItemResponse `json:"value"`
}

type fieldUpdate struct {
	OldValue any `json:"oldValue"`
	NewValue any `json:"newValue"`
}

type updatesResponse struct {
	Count int `json:"count"`
	Value []struct {
		Rev    int                    `json:"rev"`
		Fields map[string]fieldUpdate `json:"fields"`
	} `json:"value"`
}

// BoardColumns returns the configured board's columns in board order.
func (c *Client) BoardColumns(ctx context.Context) ([]domain.BoardColumn, error) {
	var resp boardColumnsResponse
	path := c.teamPath("_apis", "work", "boards", url.PathEscape(c.cfg.Board), "columns")
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.BoardColumn, 0, len(resp.Value))
	for i, col := range resp.Value {
		column, err := domain.NewBoardColumn(col.Name, i, col.IsSplit)
		if err != nil {
			return nil, fmt.Errorf("board column %d: %w", i, err)
		}
		out = append(out, column)
	}
	return out, nil
}

// QueryWorkItemIDs runs the configured WIQL query.
func (c *Client) QueryWorkItemIDs(ctx context.Context) ([]domain.WorkItemID, error) {
	var resp wiqlResponse
	body := map[string]string{"query": c.cfg.Query}
	if err := c.doJSON(ctx, http.MethodPost, c.teamPath("_apis", "wit", "wiql"), nil, body, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.WorkItemID, 0, len(resp.WorkItems))
	for _, item := range resp.WorkItems {
		if item.ID > 0 {
			out = append(out, domain.WorkItemID(item.ID))
		}
	}
	return out, nil
}

// ChangedDates looks up the current changed date of each id in one batch call.
func (c *Client) ChangedDates(ctx context.Context, ids []domain.WorkItemID) (map[domain.WorkItemID]string, error) {
	out := make(map[domain.WorkItemID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]int, len(ids))
	for i, id := range ids {
		raw[i] = int(id)
	}
	body := map[string]any{
		"ids":         raw,
		"fields":      []string{fieldID, c.cfg.Fields.ChangedDate},
		"errorPolicy": "omit",
	}
	var resp workItemsBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, c.projectPath("_apis", "wit", "workitemsbatch"), nil, body, &resp); err != nil {
		return nil, err
	}
	for _, item := range resp.Value {
		if item.ID <= 0 {
			continue
		}
		changed, _ := domain.FieldText(item.Fields[c.cfg.Fields.ChangedDate])
		out[domain.WorkItemID(item.ID)] = changed
	}
	return out, nil
}

// WorkItem fetches one item's current fields.
func (c *Client) WorkItem(ctx context.Context, id domain.WorkItemID) (domain.WorkItemDetail, error) {
	var resp workItemResponse
	path := c.projectPath("_apis", "wit", "workitems", id.String())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return domain.WorkItemDetail{}, err
	}

	fields := make(map[string]string, len(resp.Fields))
	for ref, raw := range resp.Fields {
		if text, ok := domain.FieldText(raw); ok {
			fields[ref] = text
		}
	}
	detail := domain.WorkItemDetail{
		ID:          id,
		Link:        c.ItemLink(id),
		Title:       fields[fieldTitle],
		Type:        fields[fieldType],
		Tags:        fields[fieldTags],
		State:       fields[fieldState],
		AreaPath:    fields[fieldAreaPath],
		Blocked:     fields[c.cfg.Fields.Blocked],
		ChangedDate: fields[c.cfg.Fields.ChangedDate],
		Fields:      fields,
	}
	if created := strings.TrimSpace(fields[fieldCreatedDate]); created != "" {
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			detail.CreatedAt = ts
		}
	}
	return detail, nil
}

// Revisions pages through one item's update history.
func (c *Client) Revisions(ctx context.Context, id domain.WorkItemID) ([]domain.RevisionRecord, error) {
	path := c.projectPath("_apis", "wit", "workitems", id.String(), "updates")
	var out []domain.RevisionRecord
	for skip := 0; ; skip += c.cfg.PageSize {
		query := url.Values{}
		query.Set("$top", strconv.Itoa(c.cfg.PageSize))
		query.Set("$skip", strconv.Itoa(skip))

		var resp updatesResponse
		if err := c.doJSON(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
			return nil, err
		}
		for _, update := range resp.Value {
			record := domain.RevisionRecord{Revision: update.Rev, Fields: make(map[string]any, len(update.Fields))}
			for ref, change := range update.Fields {
				record.Fields[ref] = change.NewValue
			}
			out = append(out, record)
		}
		if len(resp.Value) < c.cfg.PageSize {
			return out, nil
		}
	}
}
