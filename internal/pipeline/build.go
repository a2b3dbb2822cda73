package pipeline

import (
	"fmt"
	"time"

	"github.com/alvmarrod/sunweaver/internal/browser"
	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/fetcher"
	"github.com/alvmarrod/sunweaver/internal/logwriter"
	"github.com/alvmarrod/sunweaver/internal/metrics"
	"github.com/alvmarrod/sunweaver/internal/pattern"
	"github.com/alvmarrod/sunweaver/internal/resolver"
	"github.com/alvmarrod/sunweaver/internal/retry"
	"github.com/alvmarrod/sunweaver/internal/session"
	"github.com/alvmarrod/sunweaver/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// DriverFactory returns the browser factory selected by cfg.Driver
func DriverFactory(cfg *config.Config) browser.Factory {
	if cfg.Driver == config.DriverHTTP {
		return browser.NewHTTPFactory(browser.HTTPOptions{
			RequestTimeout: cfg.NavTimeout(),
			PollInterval:   cfg.PollInterval(),
		})
	}
	return browser.NewRodFactory(browser.RodOptions{
		Bin:          cfg.BrowserBin,
		Headless:     !cfg.ShowBrowser,
		PollInterval: cfg.PollInterval(),
		Width:        1920,
		Height:       1080,
	})
}

// Build validates cfg and wires every component of a run. A nil factory
// selects the driver named in cfg. The configuration is fully checked before
// anything is opened.
func Build(cfg *config.Config, creds session.Credentials, factory browser.Factory, runID string) (*Orchestrator, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = cfg.ResumeRunID
	}
	if runID == "" {
		runID = NewRunID()
	}
	if factory == nil {
		factory = DriverFactory(cfg)
	}

	sec := cfg.Secrets
	sel := sec.Selectors
	matcher, err := pattern.Compile(sec.StationPattern)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "station_pattern", Err: err}
	}

	limit := rate.Inf
	if cfg.NavigationsPerSecond > 0 {
		limit = rate.Limit(cfg.NavigationsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	sessions := session.NewController(factory, creds, sec.LoginURL, sel, session.Options{
		LoginTimeout: cfg.LoginTimeout(),
		NavTimeout:   cfg.NavTimeout(),
	})

	res := resolver.New(matcher, resolver.Options{
		ListURL:           sec.StationListURL,
		ReportURLTemplate: sec.ReportURLTemplate,
		LinkSelector:      sel.StationLink,
		NextSelector:      sel.NextPage,
		NextDisabled:      sel.NextPageDisabled,
		AllowEmpty:        cfg.AllowEmptyStationList,
		AllowList:         cfg.Stations,
		NavTimeout:        cfg.NavTimeout(),
		LoadTimeout:       cfg.LoadTimeout(),
		Throttle:          limiter.Wait,
		Login:             sessions,
	})

	fetch := fetcher.New(sessions, fetcher.Options{
		ReadySelector: sel.ReportReady,
		RowSelector:   sel.ReportRow,
		DateCell:      sel.ReportDateCell,
		ValueCell:     sel.ReportValueCell,
		Month:         cfg.Month,
		NavTimeout:    cfg.NavTimeout(),
		LoadTimeout:   cfg.LoadTimeout(),
		Throttle:      limiter.Wait,
	})

	var ledger *storage.Storage
	if cfg.LedgerPath != "" {
		ledger, err = storage.NewStorage(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open run ledger: %w", err)
		}
	}

	writer, err := logwriter.Open(logwriter.Options{
		Dir:       cfg.OutputDir,
		Format:    cfg.Format,
		RunID:     runID,
		SheetName: sec.SheetName,
		StartedAt: time.Now(),
	})
	if err != nil {
		if ledger != nil {
			ledger.Close()
		}
		return nil, fmt.Errorf("failed to open output: %w", err)
	}

	deps := Deps{
		Sessions: sessions,
		Resolver: res,
		Fetcher:  fetch,
		Writer:   writer,
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		},
		Ledger:  ledger,
		Metrics: metrics.NewTracker(runID),
	}
	return New(deps, Options{
		RunID:     runID,
		Workers:   cfg.Workers,
		Resume:    cfg.ResumeRunID != "",
		SheetName: sec.SheetName,
		Format:    cfg.Format,
		OutputDir: cfg.OutputDir,
	}), nil
}

// RunID returns the identifier of the run
func (o *Orchestrator) RunID() string {
	return o.opts.RunID
}

// Close flushes the output and closes the run ledger
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.deps.Writer != nil {
		if err := o.deps.Writer.Close(); err != nil {
			firstErr = err
		}
	}
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
