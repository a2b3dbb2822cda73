// Package browsertest provides a scripted in-memory dashboard and driver for
// exercising the pipeline without a real browser.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/sunweaver/internal/browser"
)

// Response is what a route serves for one visit
type Response struct {
	HTML string
	Err  error
	// Expire logs the driver out and redirects it to the login page
	Expire bool
}

// Route produces the response for the n-th visit (starting at 1)
type Route func(visit int) Response

// Static always serves the same page
func Static(page string) Route {
	return func(int) Response { return Response{HTML: page} }
}

// Sequence serves the given responses in order, repeating the last one
func Sequence(responses ...Response) Route {
	return func(visit int) Response {
		if visit > len(responses) {
			return responses[len(responses)-1]
		}
		return responses[visit-1]
	}
}

// Dashboard is a fake authenticated site
type Dashboard struct {
	LoginURL string
	HomeURL  string
	Username string
	Password string
	// OpenErr makes every Factory.Open fail
	OpenErr error
	// PollInterval used by fake drivers
	PollInterval time.Duration

	mu       sync.Mutex
	routes   map[string]Route
	visits   map[string]int
	logins   int
	opened   int
	closed   int
	navStall map[string]bool
}

// NewDashboard creates a dashboard whose login page uses the default selectors
func NewDashboard(base, username, password string) *Dashboard {
	return &Dashboard{
		LoginURL:     base + "/login",
		HomeURL:      base + "/home",
		Username:     username,
		Password:     password,
		PollInterval: 5 * time.Millisecond,
		routes:       map[string]Route{},
		visits:       map[string]int{},
		navStall:     map[string]bool{},
	}
}

// Handle registers a route for an exact URL
func (d *Dashboard) Handle(url string, r Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[url] = r
}

// Stall makes navigation to url block until the context is cancelled
func (d *Dashboard) Stall(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navStall[url] = true
}

// SetPassword changes the password accepted by later logins. Drivers that
// are already logged in stay logged in.
func (d *Dashboard) SetPassword(password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Password = password
}

// Visits returns how many authenticated visits url received
func (d *Dashboard) Visits(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visits[url]
}

// Logins returns the number of successful form logins
func (d *Dashboard) Logins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logins
}

// Opened returns how many drivers were opened
func (d *Dashboard) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Closed returns how many Close calls drivers received
func (d *Dashboard) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Factory returns a browser.Factory opening fake drivers on this dashboard
func (d *Dashboard) Factory() browser.Factory {
	return browser.FactoryFunc(func(ctx context.Context) (browser.Driver, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.OpenErr != nil {
			return nil, fmt.Errorf("%w: %v", browser.ErrUnreachable, d.OpenErr)
		}
		d.opened++
		return &Driver{dash: d, url: "about:blank"}, nil
	})
}

// Driver is a fake browser.Driver bound to a Dashboard
type Driver struct {
	dash *Dashboard

	mu         sync.Mutex
	url        string
	page       string
	authed     bool
	closed     bool
	closeCalls int
}

// CloseCalls returns how many times Close was called on this driver
func (f *Driver) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return browser.ErrClosed
	}

	d := f.dash
	d.mu.Lock()
	stall := d.navStall[url]
	d.mu.Unlock()
	if stall {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return ctx.Err()
	}

	if url == d.LoginURL {
		f.url, f.page = d.LoginURL, LoginPage(false)
		return nil
	}
	if !f.authed {
		f.url, f.page = d.LoginURL, LoginPage(false)
		return nil
	}

	d.mu.Lock()
	route, ok := d.routes[url]
	if ok {
		d.visits[url]++
	}
	visit := d.visits[url]
	d.mu.Unlock()

	if url == d.HomeURL && !ok {
		f.url, f.page = url, HomePage()
		return nil
	}
	if !ok {
		f.url, f.page = url, "<html><body><h1>404</h1></body></html>"
		return nil
	}

	resp := route(visit)
	if resp.Err != nil {
		return resp.Err
	}
	if resp.Expire {
		f.authed = false
		f.url, f.page = d.LoginURL, LoginPage(false)
		return nil
	}
	f.url, f.page = url, resp.HTML
	return nil
}

func (f *Driver) WaitFor(ctx context.Context, cond browser.Condition, timeout time.Duration) error {
	return browser.Poll(ctx, f.Content, cond, timeout, f.dash.PollInterval)
}

func (f *Driver) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", browser.ErrClosed
	}
	return f.page, nil
}

func (f *Driver) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", browser.ErrClosed
	}
	return f.url, nil
}

// Submit accepts the login form: the first field is the username, the second
// the password.
func (f *Driver) Submit(ctx context.Context, form browser.Form) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return browser.ErrClosed
	}
	d := f.dash
	if f.url != d.LoginURL {
		return errors.New("no form on this page")
	}
	if len(form.Fields) < 2 {
		return errors.New("login form needs username and password")
	}

	d.mu.Lock()
	ok := form.Fields[0].Value == d.Username && form.Fields[1].Value == d.Password
	if ok {
		d.logins++
	}
	d.mu.Unlock()

	if ok {
		f.authed = true
		f.url, f.page = d.HomeURL, HomePage()
		return nil
	}
	f.page = LoginPage(true)
	return nil
}

func (f *Driver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closed {
		return nil
	}
	f.closed = true
	d := f.dash
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

// LoginPage renders the login form, optionally with the error indicator
func LoginPage(failed bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><form id="loginFormArea" action="/login" method="post">`)
	b.WriteString(`<input type="hidden" name="token" value="t0k3n">`)
	b.WriteString(`<input id="username" name="username"><input id="value" name="password" type="password">`)
	b.WriteString(`<button id="submitDataverify" type="submit">Login</button></form>`)
	if failed {
		b.WriteString(`<div class="login-error-msg">Invalid username or password</div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// HomePage renders the landing page after login
func HomePage() string {
	return `<html><body><div id="user-menu">operator</div><h1>Overview</h1></body></html>`
}

// StationListPage renders a station table; links maps href to station name.
// next, when non-empty, adds an enabled next-page link; disabled adds a
// disabled next-page item.
func StationListPage(links map[string]string, next string, disabled bool) string {
	hrefs := make([]string, 0, len(links))
	for href := range links {
		hrefs = append(hrefs, href)
	}
	sort.Strings(hrefs)

	var b strings.Builder
	b.WriteString(`<html><body><table><tbody class="ant-table-tbody">`)
	for i, href := range hrefs {
		fmt.Fprintf(&b, `<tr class="ant-table-row"><td>%d</td><td>ok</td><td><a href="%s">%s</a></td></tr>`,
			i+1, html.EscapeString(href), html.EscapeString(links[href]))
	}
	b.WriteString(`</tbody></table><ul class="ant-pagination">`)
	switch {
	case next != "":
		fmt.Fprintf(&b, `<li class="ant-pagination-next"><a href="%s">next</a></li>`, html.EscapeString(next))
	case disabled:
		b.WriteString(`<li class="ant-pagination-next ant-pagination-disabled"><a>next</a></li>`)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

// Row is one report table row
type Row struct {
	Date  string
	Value string
}

// ReportPage renders a loaded report table
func ReportPage(rows ...Row) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="user-menu">operator</div><table><tbody class="ant-table-tbody">`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr class="ant-table-row"><td>%s</td><td>%s</td></tr>`,
			html.EscapeString(r.Date), html.EscapeString(r.Value))
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

// LoadingPage renders a report page whose table never fills in
func LoadingPage() string {
	return `<html><body><div id="user-menu">operator</div><div class="ant-spin">loading</div></body></html>`
}

// BrokenReportPage renders a table whose rows lack the value cell
func BrokenReportPage() string {
	return `<html><body><table><tbody class="ant-table-tbody"><tr class="ant-table-row"><td>2022-03-01</td></tr></tbody></table></body></html>`
}
