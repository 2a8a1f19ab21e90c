// Package ado reads boards, work items and item history from Azure DevOps.
package ado

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/evanschultz/kanflow/internal/app"
	"github.com/evanschultz/kanflow/internal/domain"
	"github.com/evanschultz/kanflow/internal/metrics"
)

// DefaultBaseURL and related constants define package defaults.
const (
	DefaultBaseURL    = "https://dev.azure.com"
	DefaultAPIVersion = "7.0"
	DefaultPageSize   = 200
	DefaultQuery      = "SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = @project ORDER BY [System.Id]"
)

// RetryConfig bounds upstream retries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config configures the Azure DevOps client.
type Config struct {
	BaseURL           string
	Organization      string
	Project           string
	Team              string
	Board             string
	Token             string
	Query             string
	APIVersion        string
	PageSize          int
	RequestsPerSecond float64
	Fields            domain.FieldRefs
	Retry             RetryConfig
	HTTPClient        *http.Client
	Logger            app.Logger
}

// Client implements app.WorkItemSource over the Azure DevOps REST API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  app.Logger
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// New validates cfg and constructs a client.
func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Organization = strings.TrimSpace(cfg.Organization)
	cfg.Project = strings.TrimSpace(cfg.Project)
	if cfg.Organization == "" || cfg.Project == "" {
		return nil, fmt.Errorf("%w: organization and project are required", app.ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Board) == "" {
		return nil, fmt.Errorf("%w: board is required", app.ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Team) == "" {
		cfg.Team = cfg.Project + " Team"
	}
	if strings.TrimSpace(cfg.Query) == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Fields == (domain.FieldRefs{}) {
		cfg.Fields = domain.DefaultFieldRefs()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  cfg.Logger,
	}, nil
}

// ItemLink returns the browser URL of one work item.
func (c *Client) ItemLink(id domain.WorkItemID) string {
	return fmt.Sprintf("%s/%s/%s/_workitems/edit/%d", c.cfg.BaseURL, url.PathEscape(c.cfg.Organization), url.PathEscape(c.cfg.Project), id)
}

// projectPath joins path segments under the organization and project.
func (c *Client) projectPath(segments ...string) string {
	parts := []string{url.PathEscape(c.cfg.Organization), url.PathEscape(c.cfg.Project)}
	parts = append(parts, segments...)
	return "/" + strings.Join(parts, "/")
}

// teamPath joins path segments under the organization, project and team.
func (c *Client) teamPath(segments ...string) string {
	return c.projectPath(append([]string{url.PathEscape(c.cfg.Team)}, segments...)...)
}

// newBackOff returns a fresh policy; BackOff values are stateful.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if c.cfg.Retry.InitialInterval > 0 {
		bo.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		bo.MaxInterval = c.cfg.Retry.MaxInterval
	}
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.Retry.MaxAttempts-1)), ctx)
}

// doJSON sends one request with retries and decodes a JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		payload = encoded
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.cfg.APIVersion)
	endpoint := c.cfg.BaseURL + path + "?" + query.Encode()

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.SetBasicAuth("", c.cfg.Token)

		res, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				metrics.IncUpstreamRequest(metrics.OutcomeFailed)
				return backoff.Permanent(ctx.Err())
			}
			metrics.IncUpstreamRequest(metrics.OutcomeRetryable)
			return err
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			statusErr := &StatusError{Method: method, Path: path, Status: res.StatusCode, Body: strings.TrimSpace(string(snippet))}
			if statusErr.Retryable() {
				metrics.IncUpstreamRequest(metrics.OutcomeRetryable)
				return statusErr
			}
			metrics.IncUpstreamRequest(metrics.OutcomeFailed)
			if res.StatusCode == http.StatusNotFound {
				return backoff.Permanent(fmt.Errorf("%w: %w", app.ErrNotFound, statusErr))
			}
			return backoff.Permanent(statusErr)
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			metrics.IncUpstreamRequest(metrics.OutcomeFailed)
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		metrics.IncUpstreamRequest(metrics.OutcomeOK)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.IncUpstreamRetries()
		c.logger.Debug("retrying upstream request", "method", method, "path", path, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", app.ErrUpstream, err)
	}
	return nil
}

// nopLogger discards every event.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
