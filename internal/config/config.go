package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/alvmarrod/sunweaver/internal/pattern"
	"github.com/sirupsen/logrus"
	"github.com/titanous/json5"
)

// Driver kinds
const (
	DriverRod  = "rod"
	DriverHTTP = "http"
)

// Output formats
const (
	FormatJSONL  = "jsonl"
	FormatValues = "values"
	FormatLog    = "log"
	FormatCSV    = "csv"
)

// Config holds all runtime parameters of a scrape run
type Config struct {
	Workers               int      `json:"workers"`
	MaxAttempts           int      `json:"max_attempts"`
	RetryBaseDelayMs      int      `json:"retry_base_delay_ms"`
	RetryMaxDelayMs       int      `json:"retry_max_delay_ms"`
	LoginTimeoutMs        int      `json:"login_timeout_ms"`
	NavTimeoutMs          int      `json:"nav_timeout_ms"`
	LoadTimeoutMs         int      `json:"load_timeout_ms"`
	PollIntervalMs        int      `json:"poll_interval_ms"`
	NavigationsPerSecond  float64  `json:"navigations_per_second"`
	OutputDir             string   `json:"output_dir"`
	Format                string   `json:"format"`
	Driver                string   `json:"driver"`
	ShowBrowser           bool     `json:"show_browser"`
	BrowserBin            string   `json:"browser_bin"`
	LedgerPath            string   `json:"ledger_path"`
	MetricsPath           string   `json:"metrics_path"`
	Month                 string   `json:"month"`
	AllowEmptyStationList bool     `json:"allow_empty_station_list"`
	Stations              []string `json:"stations"`
	ResumeRunID           string   `json:"resume_run_id"`

	Secrets Secrets `json:"-"`
}

// Secrets is the dashboard-specific configuration kept out of version control
type Secrets struct {
	SheetName         string    `json:"sheet_name"`
	LoginURL          string    `json:"login_url"`
	StationListURL    string    `json:"station_list_url"`
	ReportURLTemplate string    `json:"report_url_template"`
	StationPattern    string    `json:"station_pattern"`
	Selectors         Selectors `json:"selectors"`
}

// Selectors are the CSS selectors describing the dashboard layout
type Selectors struct {
	LoginForm        string `json:"login_form"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Submit           string `json:"submit"`
	LoginError       string `json:"login_error"`
	Authenticated    string `json:"authenticated"`
	StationLink      string `json:"station_link"`
	NextPage         string `json:"next_page"`
	NextPageDisabled string `json:"next_page_disabled_class"`
	ReportReady      string `json:"report_ready"`
	ReportRow        string `json:"report_row"`
	ReportDateCell   string `json:"report_date_cell"`
	ReportValueCell  string `json:"report_value_cell"`
}

// ConfigurationError reports an invalid or incomplete configuration.
// It is always detected before any browser session is opened.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// LoadConfig reads run parameters from a JSON5 file. A missing file yields the
// defaults; a sibling "<name>.local.<ext>" file overrides the base values.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := readWithOverrides(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadSecrets reads the dashboard configuration. Unlike the run config, the
// secrets file is required.
func LoadSecrets(path string) (Secrets, error) {
	var s Secrets
	if err := readWithOverrides(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, &ConfigurationError{Field: "secrets", Err: fmt.Errorf("%s not found", path)}
		}
		return s, fmt.Errorf("failed to read secrets: %w", err)
	}
	ApplySelectorDefaults(&s.Selectors)
	return s, nil
}

// readWithOverrides merges <name>.<ext> and <name>.local.<ext>, the latter
// taking priority.
func readWithOverrides(path string, out any) error {
	found := false

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(data) > 0 {
		if err := json5.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		found = true
	}

	local := localPath(path)
	data, err = os.ReadFile(local)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(data) > 0 {
		override, err := newOf(out)
		if err != nil {
			return err
		}
		if err := json5.Unmarshal(data, override); err != nil {
			return fmt.Errorf("failed to parse %s: %w", local, err)
		}
		if err := mergo.Merge(out, override, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s: %w", local, err)
		}
		logrus.Debugf("Merged local overrides from %s", local)
		found = true
	}

	if !found {
		return os.ErrNotExist
	}
	return nil
}

func newOf(v any) (any, error) {
	switch v.(type) {
	case *Config:
		return &Config{}, nil
	case *Secrets:
		return &Secrets{}, nil
	default:
		return nil, fmt.Errorf("unsupported config type %T", v)
	}
}

func localPath(path string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+".local"+ext)
}

// ApplyDefaults sets default values for unspecified fields
func ApplyDefaults(cfg *Config) {
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelayMs == 0 {
		cfg.RetryBaseDelayMs = 2000
	}
	if cfg.RetryMaxDelayMs == 0 {
		cfg.RetryMaxDelayMs = 30000
	}
	if cfg.LoginTimeoutMs == 0 {
		cfg.LoginTimeoutMs = 60000
	}
	if cfg.NavTimeoutMs == 0 {
		cfg.NavTimeoutMs = 30000
	}
	if cfg.LoadTimeoutMs == 0 {
		cfg.LoadTimeoutMs = 45000
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = 500
	}
	if cfg.NavigationsPerSecond == 0 {
		cfg.NavigationsPerSecond = 2
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "report"
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSONL
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverRod
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "sunweaver.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
}

// ApplySelectorDefaults fills the selectors of the reference dashboard layout
func ApplySelectorDefaults(s *Selectors) {
	if s.LoginForm == "" {
		s.LoginForm = "#loginFormArea"
	}
	if s.Username == "" {
		s.Username = "#username"
	}
	if s.Password == "" {
		s.Password = "#value"
	}
	if s.Submit == "" {
		s.Submit = "#submitDataverify"
	}
	if s.LoginError == "" {
		s.LoginError = ".login-error-msg"
	}
	if s.StationLink == "" {
		s.StationLink = "tr td:nth-child(3) a"
	}
	if s.NextPage == "" {
		s.NextPage = "li.ant-pagination-next"
	}
	if s.NextPageDisabled == "" {
		s.NextPageDisabled = "ant-pagination-disabled"
	}
	if s.ReportReady == "" {
		s.ReportReady = "tbody.ant-table-tbody"
	}
	if s.ReportRow == "" {
		s.ReportRow = "tbody.ant-table-tbody tr.ant-table-row"
	}
	if s.ReportDateCell == "" {
		s.ReportDateCell = "td:nth-child(1)"
	}
	if s.ReportValueCell == "" {
		s.ReportValueCell = "td:nth-child(2)"
	}
}

// Validate checks that required fields are present and values are sensible
func Validate(cfg *Config) error {
	if cfg.Workers < 1 {
		return invalid("workers", "must be >= 1")
	}
	if cfg.MaxAttempts < 1 {
		return invalid("max_attempts", "must be >= 1")
	}
	if cfg.PollIntervalMs < 10 {
		return invalid("poll_interval_ms", "must be >= 10")
	}
	if cfg.LoadTimeoutMs < cfg.PollIntervalMs {
		return invalid("load_timeout_ms", "must be >= poll_interval_ms")
	}
	if cfg.NavigationsPerSecond < 0 {
		return invalid("navigations_per_second", "must not be negative")
	}
	switch cfg.Format {
	case FormatJSONL, FormatValues, FormatLog, FormatCSV:
	default:
		return invalid("format", "unknown output format %q", cfg.Format)
	}
	switch cfg.Driver {
	case DriverRod, DriverHTTP:
	default:
		return invalid("driver", "unknown driver %q", cfg.Driver)
	}
	return ValidateSecrets(&cfg.Secrets)
}

// ValidateSecrets checks the dashboard configuration, including that the
// station pattern compiles.
func ValidateSecrets(s *Secrets) error {
	if err := requireURL("login_url", s.LoginURL); err != nil {
		return err
	}
	if err := requireURL("station_list_url", s.StationListURL); err != nil {
		return err
	}
	if s.ReportURLTemplate == "" {
		return invalid("report_url_template", "is required")
	}
	if err := requireURL("report_url_template", s.ReportURLTemplate+"x"); err != nil {
		return err
	}
	if _, err := pattern.Compile(s.StationPattern); err != nil {
		return &ConfigurationError{Field: "station_pattern", Err: err}
	}
	sel := s.Selectors
	for field, v := range map[string]string{
		"selectors.username":          sel.Username,
		"selectors.password":          sel.Password,
		"selectors.submit":            sel.Submit,
		"selectors.station_link":      sel.StationLink,
		"selectors.report_row":        sel.ReportRow,
		"selectors.report_date_cell":  sel.ReportDateCell,
		"selectors.report_value_cell": sel.ReportValueCell,
	} {
		if strings.TrimSpace(v) == "" {
			return invalid(field, "is required")
		}
	}
	return nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return invalid(field, "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigurationError{Field: field, Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return invalid(field, "%q is not an absolute URL", raw)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) LoginTimeout() time.Duration   { return ms(c.LoginTimeoutMs) }
func (c *Config) NavTimeout() time.Duration     { return ms(c.NavTimeoutMs) }
func (c *Config) LoadTimeout() time.Duration    { return ms(c.LoadTimeoutMs) }
func (c *Config) PollInterval() time.Duration   { return ms(c.PollIntervalMs) }
func (c *Config) RetryBaseDelay() time.Duration { return ms(c.RetryBaseDelayMs) }
func (c *Config) RetryMaxDelay() time.Duration  { return ms(c.RetryMaxDelayMs) }
