// Package fetcher loads one station's report page and extracts its table
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/alvmarrod/sunweaver/internal/browser"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/sirupsen/logrus"
)

// LoginDetector recognises the login page; *session.Controller implements it
type LoginDetector interface {
	IsLoginURL(url string) bool
	OnLoginPage(doc *goquery.Document) bool
}

// Options configure a Fetcher
type Options struct {
	ReadySelector string
	RowSelector   string
	DateCell      string
	ValueCell     string
	// Month, when set, must appear in every row date
	Month       string
	NavTimeout  time.Duration
	LoadTimeout time.Duration
	// Throttle, when set, is called before every navigation
	Throttle func(ctx context.Context) error
	// Now stamps records; defaults to time.Now
	Now func() time.Time
}

// Fetcher turns a report page into an Outcome
type Fetcher struct {
	opts  Options
	login LoginDetector
}

// New creates a Fetcher
func New(login LoginDetector, opts Options) *Fetcher {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 45 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{opts: opts, login: login}
}

// Fetch navigates d to the station's report page, waits for the table to
// settle and parses it. It never returns a partial record.
func (f *Fetcher) Fetch(ctx context.Context, d browser.Driver, st model.Station) model.Outcome {
	log := logrus.WithField("station", st.ID)

	if err := ctx.Err(); err != nil {
		return model.Fatal(model.ReasonCancelled, err)
	}
	if f.opts.Throttle != nil {
		if err := f.opts.Throttle(ctx); err != nil {
			return f.failed(ctx, model.ReasonNavigation, err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, f.opts.NavTimeout)
	err := d.Navigate(navCtx, st.ReportURL)
	cancel()
	if err != nil {
		return f.failed(ctx, model.ReasonNavigation, fmt.Errorf("failed to open report: %w", err))
	}

	readCtx, cancel := context.WithTimeout(ctx, f.opts.NavTimeout)
	current, err := d.CurrentURL(readCtx)
	cancel()
	if err == nil && f.login.IsLoginURL(current) {
		return model.Transient(model.ReasonSessionExpired, fmt.Errorf("redirected to login page"))
	}

	err = d.WaitFor(ctx, browser.Any(f.settled, f.login.OnLoginPage), f.opts.LoadTimeout)
	switch {
	case err == nil:
	case errors.Is(err, browser.ErrTimeout):
		log.Debugf("Report did not settle within %s", f.opts.LoadTimeout)
		return model.Transient(model.ReasonLoadTimeout, err)
	default:
		return f.failed(ctx, model.ReasonNavigation, fmt.Errorf("waiting for report: %w", err))
	}

	readCtx, cancel = context.WithTimeout(ctx, f.opts.NavTimeout)
	doc, err := browser.Document(readCtx, d)
	cancel()
	if err != nil {
		return f.failed(ctx, model.ReasonNavigation, fmt.Errorf("failed to read report: %w", err))
	}
	if f.login.OnLoginPage(doc) {
		return model.Transient(model.ReasonSessionExpired, fmt.Errorf("login form shown on report page"))
	}

	metrics, err := f.parse(doc)
	if err != nil {
		log.Debugf("Report parse failed: %v", err)
		return model.Transient(model.ReasonParseMismatch, err)
	}

	rec := model.Record{
		StationID:   st.ID,
		StationName: st.Name,
		RetrievedAt: f.opts.Now().UTC(),
		Metrics:     metrics,
	}
	if !rec.Valid() {
		return model.Transient(model.ReasonParseMismatch, fmt.Errorf("incomplete record"))
	}
	log.Debugf("Extracted %d rows", len(metrics))
	return model.Success(rec)
}

// failed reports cancellation of the run as fatal, anything else as transient
func (f *Fetcher) failed(ctx context.Context, reason string, err error) model.Outcome {
	if ctx.Err() != nil {
		return model.Fatal(model.ReasonCancelled, ctx.Err())
	}
	return model.Transient(reason, err)
}

// settled holds once the ready element exists and at least one data row has
// a non-empty value cell.
func (f *Fetcher) settled(doc *goquery.Document) bool {
	if f.opts.ReadySelector != "" && doc.Find(f.opts.ReadySelector).Length() == 0 {
		return false
	}
	populated := false
	doc.Find(f.opts.RowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if strings.TrimSpace(row.Find(f.opts.ValueCell).First().Text()) != "" {
			populated = true
		}
		return !populated
	})
	return populated
}

func (f *Fetcher) parse(doc *goquery.Document) ([]model.Metric, error) {
	rows := doc.Find(f.opts.RowSelector)
	if rows.Length() == 0 {
		return nil, fmt.Errorf("no rows match %q", f.opts.RowSelector)
	}

	metrics := make([]model.Metric, 0, rows.Length())
	var parseErr error
	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		date := row.Find(f.opts.DateCell).First()
		value := row.Find(f.opts.ValueCell).First()
		if date.Length() == 0 || value.Length() == 0 {
			parseErr = fmt.Errorf("row %d is missing its date or value cell", i+1)
			return false
		}

		name := cleanText(date)
		if name == "" {
			parseErr = fmt.Errorf("row %d has an empty date", i+1)
			return false
		}
		if f.opts.Month != "" && !strings.Contains(name, f.opts.Month) {
			parseErr = fmt.Errorf("got data for the wrong month: %s is not in %s", name, f.opts.Month)
			return false
		}

		metrics = append(metrics, model.Metric{Name: name, Value: cleanText(value)})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return metrics, nil
}

func cleanText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
