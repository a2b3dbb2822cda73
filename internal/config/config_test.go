package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validSecrets() Secrets {
	s := Secrets{
		SheetName:         "Producao",
		LoginURL:          "https://dash.example/login",
		StationListURL:    "https://dash.example/stations",
		ReportURLTemplate: "https://dash.example/report?station=",
		StationPattern:    `station=(?P<id>\w+)`,
	}
	ApplySelectorDefaults(&s.Selectors)
	return s
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.json5"))
	require.NoError(t, err)

	require.Equal(t, 1, cfg.Workers)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, FormatJSONL, cfg.Format)
	require.Equal(t, DriverRod, cfg.Driver)
	require.Equal(t, "report", cfg.OutputDir)
}

func TestLoadConfig_LocalOverrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.json5")

	require.NoError(t, os.WriteFile(base, []byte(`{
		// comments are allowed
		workers: 2,
		max_attempts: 5,
		output_dir: "out",
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{
		workers: 4,
	}`), 0644))

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, "out", cfg.OutputDir)
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json5")

	_, err := LoadSecrets(path)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	require.NoError(t, os.WriteFile(path, []byte(`{
		sheet_name: "Producao",
		login_url: "https://dash.example/login",
		station_list_url: "https://dash.example/stations",
		report_url_template: "https://dash.example/report?station=",
		station_pattern: "station=(?P<id>\\w+)",
		selectors: { station_link: "a.station" },
	}`), 0644))

	s, err := LoadSecrets(path)
	require.NoError(t, err)
	require.Equal(t, "Producao", s.SheetName)
	require.Equal(t, "a.station", s.Selectors.StationLink)
	require.Equal(t, "#username", s.Selectors.Username)
	require.NoError(t, ValidateSecrets(&s))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ok", func(*Config) {}, ""},
		{"workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"format", func(c *Config) { c.Format = "xlsx" }, "format"},
		{"driver", func(c *Config) { c.Driver = "selenium" }, "driver"},
		{"pattern", func(c *Config) { c.Secrets.StationPattern = `station=(\w+` }, "station_pattern"},
		{"pattern group", func(c *Config) { c.Secrets.StationPattern = `station=(\w+)` }, "station_pattern"},
		{"template", func(c *Config) { c.Secrets.ReportURLTemplate = "" }, "report_url_template"},
		{"login url", func(c *Config) { c.Secrets.LoginURL = "/login" }, "login_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Secrets: validSecrets()}
			ApplyDefaults(cfg)
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			require.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	require.Equal(t, int64(500), cfg.PollInterval().Milliseconds())
	require.Equal(t, int64(45000), cfg.LoadTimeout().Milliseconds())
}
