// Package session owns authenticated browser connections: login, expiry
// detection, re-login and guaranteed release.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/alvmarrod/sunweaver/internal/browser"
	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/alvmarrod/sunweaver/internal/weburl"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBadCredentials means the dashboard showed its login error indicator.
	// It must never be retried.
	ErrBadCredentials = errors.New("credentials rejected by dashboard")
	// ErrLoginTimeout means neither success nor rejection was observed in time
	ErrLoginTimeout = errors.New("login not confirmed before timeout")
	// ErrReloginFailed wraps the cause of a failed re-authentication
	ErrReloginFailed = errors.New("re-login failed")
	// ErrReleased is returned when using a session after Release
	ErrReleased = errors.New("session released")
)

// Credentials are the dashboard account. They are read only by the Controller.
type Credentials struct {
	Username string
	Password string
}

// String never includes the password
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{user=%s}", c.Username)
}

// State of a session
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Expired
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one authenticated driver connection. Callers only see sessions
// in the Authenticated or Expired state; Closed sessions reject every call.
type Session struct {
	id     string
	driver browser.Driver

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

// ID is a short identifier for logs
func (s *Session) ID() string { return s.id }

// Driver returns the underlying connection, or ErrReleased once closed
func (s *Session) Driver() (browser.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil, ErrReleased
	}
	return s.driver, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether the session is usable
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// LastActivity is the time of the last confirmed authenticated interaction
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records authenticated activity
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// MarkExpired flags a detected logout. No-op once closed.
func (s *Session) MarkExpired() {
	s.setState(Expired)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.state = st
	if st == Authenticated {
		s.lastActivity = time.Now()
	}
}

// Options tune the controller timeouts
type Options struct {
	LoginTimeout time.Duration
	NavTimeout   time.Duration
}

// Controller opens, authenticates, checks and releases sessions
type Controller struct {
	factory  browser.Factory
	creds    Credentials
	loginURL string
	sel      config.Selectors
	opts     Options
}

// NewController creates a controller for one dashboard account
func NewController(factory browser.Factory, creds Credentials, loginURL string, sel config.Selectors, opts Options) *Controller {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 60 * time.Second
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	return &Controller{
		factory:  factory,
		creds:    creds,
		loginURL: loginURL,
		sel:      sel,
		opts:     opts,
	}
}

// Login opens a new driver and authenticates it. On any failure the driver is
// closed before returning, so a partially authenticated session never escapes.
func (c *Controller) Login(ctx context.Context) (*Session, error) {
	d, err := c.factory.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}

	s := &Session{id: uuid.NewString()[:8], driver: d, state: Authenticating}
	log := logrus.WithField("session", s.id)
	log.Debugf("Logging in as %s", c.creds.Username)

	if err := c.authenticate(ctx, s); err != nil {
		if rerr := c.Release(s); rerr != nil {
			log.Warnf("Failed to release session after login failure: %v", rerr)
		}
		return nil, err
	}

	log.Info("Logged in")
	return s, nil
}

// Relogin re-authenticates an existing session after expiry. A failure tears
// the session down and is wrapped in ErrReloginFailed.
func (c *Controller) Relogin(ctx context.Context, s *Session) error {
	if s.State() == Closed {
		return fmt.Errorf("%w: %w", ErrReloginFailed, ErrReleased)
	}
	s.setState(Authenticating)

	log := logrus.WithField("session", s.id)
	log.Warn("Session expired, logging in again")

	if err := c.authenticate(ctx, s); err != nil {
		if rerr := c.Release(s); rerr != nil {
			log.Warnf("Failed to release session after re-login failure: %v", rerr)
		}
		return fmt.Errorf("%w: %w", ErrReloginFailed, err)
	}
	log.Info("Re-login succeeded")
	return nil
}

func (c *Controller) authenticate(ctx context.Context, s *Session) error {
	loginCtx, cancel := context.WithTimeout(ctx, c.opts.LoginTimeout)
	defer cancel()

	d := s.driver
	if err := d.Navigate(loginCtx, c.loginURL); err != nil {
		return c.loginErr(ctx, fmt.Errorf("failed to open login page: %w", err))
	}

	if err := d.WaitFor(loginCtx, browser.Exists(c.sel.Username), c.opts.LoginTimeout); err != nil {
		return c.loginErr(ctx, fmt.Errorf("login form did not render: %w", err))
	}

	form := browser.Form{
		Fields: []browser.Field{
			{Selector: c.sel.Username, Value: c.creds.Username},
			{Selector: c.sel.Password, Value: c.creds.Password},
		},
		Submit: c.sel.Submit,
	}
	if err := d.Submit(loginCtx, form); err != nil {
		return c.loginErr(ctx, fmt.Errorf("failed to submit login form: %w", err))
	}

	rejected := browser.Exists(c.sel.LoginError)
	if err := d.WaitFor(loginCtx, browser.Any(rejected, c.authenticated), c.opts.LoginTimeout); err != nil {
		return c.loginErr(ctx, fmt.Errorf("waiting for login result: %w", err))
	}

	doc, err := browser.Document(loginCtx, d)
	if err != nil {
		return c.loginErr(ctx, err)
	}
	if c.sel.LoginError != "" && rejected(doc) {
		return ErrBadCredentials
	}

	s.setState(Authenticated)
	return nil
}

func (c *Controller) loginErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	if errors.Is(err, browser.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLoginTimeout, err)
	}
	return err
}

// authenticated holds once the page shows the authenticated marker, or, when
// none is configured, once the login form is gone.
func (c *Controller) authenticated(doc *goquery.Document) bool {
	if c.sel.Authenticated != "" {
		return doc.Find(c.sel.Authenticated).Length() > 0
	}
	return !c.OnLoginPage(doc)
}

// OnLoginPage reports whether doc is the login page
func (c *Controller) OnLoginPage(doc *goquery.Document) bool {
	if c.sel.LoginForm != "" && doc.Find(c.sel.LoginForm).Length() > 0 {
		return true
	}
	return doc.Find(c.sel.Username).Length() > 0 && doc.Find(c.sel.Password).Length() > 0
}

// IsLoginURL reports whether u is the configured login page
func (c *Controller) IsLoginURL(u string) bool {
	return weburl.SamePage(u, c.loginURL)
}

// IsAlive is a cheap check that the session has not been silently logged
// out: the driver is not on the login page and the login form is absent.
// A dead session is marked Expired.
func (c *Controller) IsAlive(ctx context.Context, s *Session) bool {
	if s.State() != Authenticated {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.opts.NavTimeout)
	defer cancel()

	current, err := s.driver.CurrentURL(checkCtx)
	if err != nil {
		s.MarkExpired()
		return false
	}
	if c.IsLoginURL(current) {
		s.MarkExpired()
		return false
	}

	doc, err := browser.Document(checkCtx, s.driver)
	if err != nil || c.OnLoginPage(doc) {
		s.MarkExpired()
		return false
	}
	if c.sel.Authenticated != "" && doc.Find(c.sel.Authenticated).Length() == 0 {
		s.MarkExpired()
		return false
	}
	s.Touch()
	return true
}

// Release closes the session's driver. It is idempotent: the driver is
// closed exactly once no matter how many times Release is called.
func (c *Controller) Release(s *Session) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.mu.Unlock()

	logrus.WithField("session", s.id).Debug("Releasing session")
	if err := s.driver.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// Acquire logs in, runs fn and releases the session on every path,
// including a panic in fn.
func (c *Controller) Acquire(ctx context.Context, fn func(*Session) error) (err error) {
	s, err := c.Login(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.Release(s); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(s)
}

// Classify maps a Login or Relogin error to an outcome
func Classify(err error) model.Outcome {
	switch {
	case err == nil:
		return model.Outcome{Kind: model.KindSuccess}
	case errors.Is(err, context.Canceled):
		return model.Fatal(model.ReasonCancelled, err)
	case errors.Is(err, ErrReloginFailed):
		return model.Fatal(model.ReasonReloginFailed, err)
	case errors.Is(err, ErrBadCredentials):
		return model.Fatal(model.ReasonBadCredentials, err)
	case errors.Is(err, browser.ErrUnreachable):
		return model.Fatal(model.ReasonDriverUnreachable, err)
	case errors.Is(err, ErrLoginTimeout):
		return model.Transient(model.ReasonLoginTimeout, err)
	default:
		return model.Transient(model.ReasonNavigation, err)
	}
}
