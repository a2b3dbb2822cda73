// Package resolver discovers the stations listed on the dashboard
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/alvmarrod/sunweaver/internal/browser"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/alvmarrod/sunweaver/internal/pattern"
	"github.com/alvmarrod/sunweaver/internal/weburl"
	"github.com/sirupsen/logrus"
)

// ErrNoStations means the station list produced no resolvable identifier.
// This usually points at a broken selector or pattern.
var ErrNoStations = errors.New("no stations resolved")

// ErrSessionExpired means the dashboard showed its login page instead of the
// station list
var ErrSessionExpired = errors.New("session expired while resolving stations")

// LoginDetector recognises the login page; *session.Controller implements it
type LoginDetector interface {
	IsLoginURL(url string) bool
	OnLoginPage(doc *goquery.Document) bool
}

// maxPages bounds pagination against next links that never disable
const maxPages = 500

// Options configure a Resolver
type Options struct {
	ListURL           string
	ReportURLTemplate string
	LinkSelector      string
	// ReadySelector is awaited before reading the list; defaults to LinkSelector
	ReadySelector string
	NextSelector  string
	NextDisabled  string
	AllowEmpty    bool
	AllowList     []string
	NavTimeout    time.Duration
	LoadTimeout   time.Duration
	// Throttle, when set, is called before every navigation
	Throttle func(ctx context.Context) error
	// Login, when set, turns a login page into ErrSessionExpired
	Login LoginDetector
}

// Resolver turns the station-list page into the set of stations of a run
type Resolver struct {
	opts    Options
	matcher *pattern.Matcher
}

// New creates a Resolver
func New(m *pattern.Matcher, opts Options) *Resolver {
	if opts.ReadySelector == "" {
		opts.ReadySelector = opts.LinkSelector
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 45 * time.Second
	}
	return &Resolver{opts: opts, matcher: m}
}

// Resolve walks the station list, following pagination, and returns the
// deduplicated stations in discovery order. An empty result is ErrNoStations
// unless AllowEmpty is set.
func (r *Resolver) Resolve(ctx context.Context, d browser.Driver) ([]model.Station, error) {
	var (
		stations []model.Station
		seen     = map[string]bool{}
		visited  = map[string]bool{}
		page     = r.opts.ListURL
	)

	for n := 1; page != "" && n <= maxPages; n++ {
		if visited[page] {
			logrus.Warnf("Pagination loops back to %s, stopping", page)
			break
		}
		visited[page] = true

		doc, current, err := r.load(ctx, d, page)
		if err != nil {
			return nil, err
		}

		found := 0
		doc.Find(r.opts.LinkSelector).Each(func(_ int, link *goquery.Selection) {
			st, ok := r.station(current, link)
			if !ok || seen[st.ID] {
				return
			}
			seen[st.ID] = true
			stations = append(stations, st)
			found++
		})
		logrus.Debugf("Station list page %d: %d new stations", n, found)

		page = r.nextPage(doc, current)
	}

	stations = r.restrict(stations)
	if len(stations) == 0 && !r.opts.AllowEmpty {
		return nil, fmt.Errorf("%w from %s", ErrNoStations, r.opts.ListURL)
	}

	logrus.Infof("Resolved %d stations", len(stations))
	return stations, nil
}

func (r *Resolver) load(ctx context.Context, d browser.Driver, page string) (*goquery.Document, string, error) {
	if r.opts.Throttle != nil {
		if err := r.opts.Throttle(ctx); err != nil {
			return nil, "", err
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, r.opts.NavTimeout)
	err := d.Navigate(navCtx, page)
	cancel()
	if err != nil {
		return nil, "", fmt.Errorf("failed to open station list %s: %w", page, err)
	}

	// A list that never renders is read as empty
	ready := browser.Any(browser.Exists(r.opts.ReadySelector), browser.Exists(r.opts.LinkSelector))
	if r.opts.Login != nil {
		ready = browser.Any(ready, r.opts.Login.OnLoginPage)
	}
	if err := d.WaitFor(ctx, ready, r.opts.LoadTimeout); err != nil && !errors.Is(err, browser.ErrTimeout) {
		return nil, "", fmt.Errorf("failed waiting for station list: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, r.opts.NavTimeout)
	defer cancel()
	doc, err := browser.Document(readCtx, d)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read station list: %w", err)
	}
	current, err := d.CurrentURL(readCtx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read station list url: %w", err)
	}
	if r.opts.Login != nil && (r.opts.Login.IsLoginURL(current) || r.opts.Login.OnLoginPage(doc)) {
		return nil, "", fmt.Errorf("%w: %s showed the login page", ErrSessionExpired, page)
	}
	return doc, current, nil
}

// station builds a Station from one link. The identifier is matched against
// the absolute href, falling back to the raw attribute.
func (r *Resolver) station(current string, link *goquery.Selection) (model.Station, bool) {
	href, ok := link.Attr("href")
	if !ok {
		return model.Station{}, false
	}

	id, ok := "", false
	if abs, err := weburl.Resolve(current, href); err == nil {
		id, ok = r.matcher.Extract(abs)
	}
	if !ok {
		id, ok = r.matcher.Extract(href)
	}
	if !ok {
		logrus.Debugf("Link %q does not match station pattern", href)
		return model.Station{}, false
	}

	return model.Station{
		ID:        id,
		Name:      strings.Join(strings.Fields(link.Text()), " "),
		ReportURL: r.opts.ReportURLTemplate + id,
	}, true
}

// nextPage returns the URL of the following list page, or "" when the next
// control is absent, disabled or carries no link.
func (r *Resolver) nextPage(doc *goquery.Document, current string) string {
	if r.opts.NextSelector == "" {
		return ""
	}
	next := doc.Find(r.opts.NextSelector).First()
	if next.Length() == 0 {
		return ""
	}
	if r.opts.NextDisabled != "" && (next.HasClass(r.opts.NextDisabled) || next.AttrOr("aria-disabled", "") == "true") {
		return ""
	}

	href, ok := next.Attr("href")
	if !ok {
		href, ok = next.Find("a[href]").First().Attr("href")
	}
	if !ok {
		return ""
	}
	abs, err := weburl.Resolve(current, href)
	if err != nil {
		logrus.Debugf("Ignoring next-page link %q: %v", href, err)
		return ""
	}
	return abs
}

func (r *Resolver) restrict(stations []model.Station) []model.Station {
	if len(r.opts.AllowList) == 0 {
		return stations
	}
	allowed := make(map[string]bool, len(r.opts.AllowList))
	for _, id := range r.opts.AllowList {
		allowed[id] = true
	}

	var out []model.Station
	for _, st := range stations {
		if allowed[st.ID] {
			out = append(out, st)
		}
	}
	if len(out) < len(allowed) {
		logrus.Warnf("%d of %d allowed stations were not found on the dashboard", len(allowed)-len(out), len(allowed))
	}
	return out
}
