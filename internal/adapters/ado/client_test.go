package ado

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:      srv.URL,
		Organization: "acme",
		Project:      "Rocket",
		Board:        "Stories",
		Token:        "secret-pat",
		Retry:        RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		HTTPClient:   srv.Client(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg)
	require.NoError(t, err)
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Project: "Rocket", Board: "Stories"})
	assert.ErrorIs(t, err, app.ErrInvalidConfig)

	_, err = New(Config{Organization: "acme", Project: "Rocket"})
	assert.ErrorIs(t, err, app.ErrInvalidConfig)

	client, err := New(Config{Organization: "acme", Project: "Rocket", Board: "Stories"})
	require.NoError(t, err)
	assert.Equal(t, "Rocket Team", client.cfg.Team)
	assert.Equal(t, DefaultBaseURL, client.cfg.BaseURL)
	assert.Equal(t, "https://dev.azure.com/acme/Rocket/_workitems/edit/42", client.ItemLink(42))
}

func TestBoardColumns(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/acme/Rocket/Rocket Team/_apis/work/boards/Stories/columns", r.URL.Path)
		assert.Equal(t, DefaultAPIVersion, r.URL.Query().Get("api-version"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Empty(t, user)
		assert.Equal(t, "secret-pat", pass)
		writeJSON(t, w, map[string]any{"value": []map[string]any{
			{"name": "New", "isSplit": false},
			{"name": "Doing", "isSplit": true},
			{"name": "Done"},
		}})
	}, nil)

	columns, err := client.BoardColumns(context.Background())
	require.NoError(t, err)
	require.Len(t, columns, 3)
	assert.Equal(t, domain.BoardColumn{Name: "Doing", Position: 1, IsSplit: true}, columns[1])

	schema, err := domain.NewBoardSchema(columns)
	require.NoError(t, err)
	assert.Equal(t, []string{"New", "Doing", "Doing Done", "Done"}, schema.Headers())
}

func TestQueryWorkItemIDs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/acme/Rocket/Rocket Team/_apis/wit/wiql", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "SELECT 1", body["query"])
		writeJSON(t, w, map[string]any{"workItems": []map[string]any{{"id": 3}, {"id": 1}, {"id": 0}}})
	}, func(cfg *Config) { cfg.Query = "SELECT 1" })

	ids, err := client.QueryWorkItemIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkItemID{3, 1}, ids)
}

func TestChangedDates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acme/Rocket/_apis/wit/workitemsbatch", r.URL.Path)
		var body struct {
			IDs    []int    `json:"ids"`
			Fields []string `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []int{1, 2}, body.IDs)
		assert.Contains(t, body.Fields, "System.ChangedDate")
		writeJSON(t, w, map[string]any{"value": []map[string]any{
			{"id": 1, "fields": map[string]any{"System.ChangedDate": "2024-01-01T00:00:00Z"}},
		}})
	}, nil)

	dates, err := client.ChangedDates(context.Background(), []domain.WorkItemID{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[domain.WorkItemID]string{1: "2024-01-01T00:00:00Z"}, dates)

	empty, err := client.ChangedDates(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWorkItem(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acme/Rocket/_apis/wit/workitems/42", r.URL.Path)
		writeJSON(t, w, map[string]any{"id": 42, "fields": map[string]any{
			"System.Title":                "Ship it",
			"System.WorkItemType":         "User Story",
			"System.Tags":                 "a; b",
			"System.State":                "Active",
			"System.AreaPath":             "Rocket\\Team",
			"System.CreatedDate":          "2024-01-01T09:30:00.123Z",
			"System.ChangedDate":          "2024-01-08T12:00:00.5Z",
			"Microsoft.VSTS.CMMI.Blocked": "Yes",
			"Custom.Points":               float64(5),
		}})
	}, nil)

	detail, err := client.WorkItem(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemID(42), detail.ID)
	assert.Equal(t, "Ship it", detail.Title)
	assert.Equal(t, "User Story", detail.Type)
	assert.Equal(t, "Yes", detail.Blocked)
	assert.Equal(t, "2024-01-08T12:00:00.5Z", detail.ChangedDate)
	assert.Equal(t, "5", detail.Field("Custom.Points"))
	assert.True(t, detail.CreatedAt.Equal(time.Date(2024, 1, 1, 9, 30, 0, 123000000, time.UTC)))
	assert.Contains(t, detail.Link, "/acme/Rocket/_workitems/edit/42")
}

func TestWorkItemNotFound(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such item", http.StatusNotFound)
	}, nil)

	_, err := client.WorkItem(context.Background(), 9)
	assert.ErrorIs(t, err, app.ErrNotFound)
	assert.ErrorIs(t, err, app.ErrUpstream)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRevisionsPages(t *testing.T) {
	var skips []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acme/Rocket/_apis/wit/workitems/7/updates", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("$top"))
		skip := r.URL.Query().Get("$skip")
		skips = append(skips, skip)
		start, _ := strconv.Atoi(skip)
		value := []map[string]any{}
		for rev := start + 1; rev <= start+2 && rev <= 5; rev++ {
			value = append(value, map[string]any{
				"rev": rev,
				"fields": map[string]any{
					"System.BoardColumn": map[string]any{"oldValue": "New", "newValue": "Doing"},
				},
			})
		}
		writeJSON(t, w, map[string]any{"count": len(value), "value": value})
	}, func(cfg *Config) { cfg.PageSize = 2 })

	records, err := client.Revisions(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2", "4"}, skips)
	require.Len(t, records, 5)
	assert.Equal(t, 5, records[4].Revision)
	assert.Equal(t, "Doing", records[0].Fields["System.BoardColumn"])
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, map[string]any{"workItems": []map[string]any{{"id": 1}}})
	}, nil)

	ids, err := client.QueryWorkItemIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkItemID{1}, ids)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}, func(cfg *Config) { cfg.Retry.MaxAttempts = 2 })

	_, err := client.QueryWorkItemIDs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, app.ErrUpstream)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Status)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad query", http.StatusBadRequest)
	}, nil)

	_, err := client.QueryWorkItemIDs(context.Background())
	assert.ErrorIs(t, err, app.ErrUpstream)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Contains(t, statusErr.Body, "bad query")
	assert.False(t, statusErr.Retryable())
	assert.EqualValues(t, 1, calls.Load())
}
