package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

type StoreKind string

const (
	StoreCSV    StoreKind = "csv"
	StoreSQLite StoreKind = "sqlite"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Source   SourceConfig   `toml:"source"`
	Retry    RetryConfig    `toml:"retry"`
	Export   ExportConfig   `toml:"export"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type SourceConfig struct {
	BaseURL           string       `toml:"base_url"`
	Organization      string       `toml:"organization"`
	Project           string       `toml:"project"`
	Team              string       `toml:"team"`
	Board             string       `toml:"board"`
	Query             string       `toml:"query"`
	APIVersion        string       `toml:"api_version"`
	PageSize          int          `toml:"page_size"`
	BatchSize         int          `toml:"batch_size"`
	RequestsPerSecond float64      `toml:"requests_per_second"`
	Timeout           string       `toml:"timeout"`
	Fields            FieldsConfig `toml:"fields"`
	// Token is never read from the config file.
	Token             string       `toml:"-"`
}

type FieldsConfig struct {
	ChangedDate     string `toml:"changed_date"`
	BoardColumn     string `toml:"board_column"`
	BoardColumnDone string `toml:"board_column_done"`
	Blocked         string `toml:"blocked"`
}

type RetryConfig struct {
	MaxAttempts     int    `toml:"max_attempts"`
	InitialInterval string `toml:"initial_interval"`
	MaxInterval     string `toml:"max_interval"`
}

type ExportConfig struct {
	Store              StoreKind          `toml:"store"`
	// CSVPath defaults to the platform report path when empty.
	CSVPath            string             `toml:"csv_path"`
	UseCache           bool               `toml:"use_cache"`
	Parallelism        int                `toml:"parallelism"`
	FixDecreasingDates bool               `toml:"fix_decreasing_dates"`
	Timezone           string             `toml:"timezone"`
	ExtraFields        []ExtraFieldConfig `toml:"extra_fields"`
}

type ExtraFieldConfig struct {
	Header string `toml:"header"`
	Field  string `toml:"field"`
}

type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// sourceEnv lists the environment overrides for the source section.
type sourceEnv struct {
	Token        string `env:"KANFLOW_PAT"`
	Organization string `env:"KANFLOW_ORGANIZATION"`
	Project      string `env:"KANFLOW_PROJECT"`
	Team         string `env:"KANFLOW_TEAM"`
	BaseURL      string `env:"KANFLOW_BASE_URL"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".kanflow/log",
			},
		},
		Source: SourceConfig{
			BaseURL:    "https://dev.azure.com",
			Board:      "Stories",
			APIVersion: "7.0",
			PageSize:   200,
			BatchSize:  200,
			Timeout:    "60s",
			Fields: FieldsConfig{
				ChangedDate:     "System.ChangedDate",
				BoardColumn:     "System.BoardColumn",
				BoardColumnDone: "System.BoardColumnDone",
				Blocked:         "Microsoft.VSTS.CMMI.Blocked",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: "500ms",
			MaxInterval:     "30s",
		},
		Export: ExportConfig{
			Store:              StoreCSV,
			UseCache:           true,
			Parallelism:        4,
			FixDecreasingDates: true,
			Timezone:           "Local",
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overlays set environment variables onto the source section. A nil
// environ reads the process environment.
func ApplyEnv(cfg Config, environ map[string]string) (Config, error) {
	var raw sourceEnv
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if v := strings.TrimSpace(raw.Token); v != "" {
		cfg.Source.Token = v
	}
	if v := strings.TrimSpace(raw.Organization); v != "" {
		cfg.Source.Organization = v
	}
	if v := strings.TrimSpace(raw.Project); v != "" {
		cfg.Source.Project = v
	}
	if v := strings.TrimSpace(raw.Team); v != "" {
		cfg.Source.Team = v
	}
	if v := strings.TrimSpace(raw.BaseURL); v != "" {
		cfg.Source.BaseURL = v
	}
	return cfg, nil
}

func (c Config) Validate() error {
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if c.Source.PageSize < 0 {
		return errors.New("source.page_size must be >= 0")
	}
	if c.Source.BatchSize < 0 || c.Source.BatchSize > 200 {
		return errors.New("source.batch_size must be between 0 and 200")
	}
	if c.Source.RequestsPerSecond < 0 {
		return errors.New("source.requests_per_second must be >= 0")
	}
	if _, err := c.SourceTimeout(); err != nil {
		return err
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if _, err := c.RetryInitialInterval(); err != nil {
		return err
	}
	if _, err := c.RetryMaxInterval(); err != nil {
		return err
	}

	switch c.Export.Store {
	case StoreCSV, StoreSQLite:
	default:
		return fmt.Errorf("invalid export.store: %q", c.Export.Store)
	}
	if c.Export.Parallelism < 0 {
		return errors.New("export.parallelism must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	seenHeader := map[string]struct{}{}
	for idx, extra := range c.Export.ExtraFields {
		header := strings.TrimSpace(extra.Header)
		if header == "" {
			return fmt.Errorf("export.extra_fields[%d].header is required", idx)
		}
		if strings.TrimSpace(extra.Field) == "" {
			return fmt.Errorf("export.extra_fields[%d].field is required", idx)
		}
		if _, ok := seenHeader[header]; ok {
			return fmt.Errorf("export.extra_fields[%d].header is duplicated: %s", idx, header)
		}
		seenHeader[header] = struct{}{}
	}

	return nil
}

// SourceTimeout returns the per-request HTTP timeout; empty means none.
func (c Config) SourceTimeout() (time.Duration, error) {
	return parseDuration("source.timeout", c.Source.Timeout)
}

// RetryInitialInterval returns the first backoff wait.
func (c Config) RetryInitialInterval() (time.Duration, error) {
	return parseDuration("retry.initial_interval", c.Retry.InitialInterval)
}

// RetryMaxInterval returns the backoff ceiling.
func (c Config) RetryMaxInterval() (time.Duration, error) {
	return parseDuration("retry.max_interval", c.Retry.MaxInterval)
}

// Location resolves export.timezone used for calendar dates.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Export.Timezone)
	switch name {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid export.timezone %q: %w", name, err)
	}
	return loc, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be >= 0", key, raw)
	}
	return d, nil
}

// EnsureParentDir creates the directory that will hold path.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
