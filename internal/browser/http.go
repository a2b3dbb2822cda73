package browser

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// HTTPOptions configures the plain HTTP driver
type HTTPOptions struct {
	UserAgent      string
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

// NewHTTPFactory returns a Factory for dashboards that render server-side.
// Each driver keeps its own cookie jar, so sessions are never shared.
func NewHTTPFactory(opts HTTPOptions) Factory {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return FactoryFunc(func(ctx context.Context) (Driver, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return newHTTPDriver(opts)
	})
}

type httpDriver struct {
	collector *colly.Collector
	interval  time.Duration

	mu     sync.Mutex
	body   string
	url    string
	closed bool
}

func newHTTPDriver(opts HTTPOptions) (*httpDriver, error) {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(opts.UserAgent),
	)
	c.SetRequestTimeout(opts.RequestTimeout)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.SetCookieJar(jar)

	d := &httpDriver{collector: c, interval: opts.PollInterval}

	c.OnResponse(func(r *colly.Response) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.body = string(r.Body)
		d.url = r.Request.URL.String()
		logrus.Debugf("HTTP driver fetched %s (status=%d)", d.url, r.StatusCode)
	})

	return d, nil
}

func (d *httpDriver) live() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *httpDriver) Navigate(ctx context.Context, target string) error {
	if err := d.live(); err != nil {
		return err
	}
	d.collector.Context = ctx
	if err := d.collector.Visit(target); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return nil
}

func (d *httpDriver) WaitFor(ctx context.Context, cond Condition, timeout time.Duration) error {
	return Poll(ctx, d.Content, cond, timeout, d.interval)
}

func (d *httpDriver) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	return d.body, nil
}

func (d *httpDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	return d.url, nil
}

// Submit posts the form enclosing the first field. Hidden inputs of that form
// (login tokens and the like) are sent along with the given values.
func (d *httpDriver) Submit(ctx context.Context, form Form) error {
	if len(form.Fields) == 0 {
		return fmt.Errorf("form has no fields")
	}
	html, err := d.Content(ctx)
	if err != nil {
		return err
	}
	current, err := d.CurrentURL(ctx)
	if err != nil {
		return err
	}
	doc, err := Parse(html)
	if err != nil {
		return err
	}

	first := doc.Find(form.Fields[0].Selector).First()
	if first.Length() == 0 {
		return fmt.Errorf("failed to find input %s", form.Fields[0].Selector)
	}
	formSel := first.Closest("form")
	if formSel.Length() == 0 {
		return fmt.Errorf("input %s is not inside a form", form.Fields[0].Selector)
	}

	data := map[string]string{}
	formSel.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		data[name] = s.AttrOr("value", "")
	})
	for _, f := range form.Fields {
		el := doc.Find(f.Selector).First()
		name, ok := el.Attr("name")
		if !ok || name == "" {
			return fmt.Errorf("input %s has no name attribute", f.Selector)
		}
		data[name] = f.Value
	}

	action, err := resolveAction(current, formSel.AttrOr("action", ""))
	if err != nil {
		return err
	}

	d.collector.Context = ctx
	if strings.EqualFold(formSel.AttrOr("method", "post"), "get") {
		q := url.Values{}
		for k, v := range data {
			q.Set(k, v)
		}
		action.RawQuery = q.Encode()
		err = d.collector.Visit(action.String())
	} else {
		err = d.collector.Post(action.String(), data)
	}
	if err != nil {
		return fmt.Errorf("failed to submit form to %s: %w", action, err)
	}
	return nil
}

func resolveAction(current, action string) (*url.URL, error) {
	base, err := url.Parse(current)
	if err != nil {
		return nil, fmt.Errorf("invalid current URL %q: %w", current, err)
	}
	ref, err := url.Parse(action)
	if err != nil {
		return nil, fmt.Errorf("invalid form action %q: %w", action, err)
	}
	return base.ResolveReference(ref), nil
}

// Close drops the page state. Safe to call more than once.
func (d *httpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.body = ""
	return nil
}
