package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// RodOptions configures the Chromium-backed driver
type RodOptions struct {
	Bin          string
	Headless     bool
	PollInterval time.Duration
	Width        int
	Height       int
}

// NewRodFactory returns a Factory launching one Chromium process per driver
func NewRodFactory(opts RodOptions) Factory {
	if opts.Width == 0 {
		opts.Width = 1920
	}
	if opts.Height == 0 {
		opts.Height = 1080
	}
	return FactoryFunc(func(ctx context.Context) (Driver, error) {
		return openRod(ctx, opts)
	})
}

type rodDriver struct {
	launcher  *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	interval  time.Duration
	closeOnce sync.Once
	closeErr  error
	closed    bool
	mu        sync.Mutex
}

func openRod(ctx context.Context, opts RodOptions) (*rodDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := launcher.New().Headless(opts.Headless)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to launch browser: %v", ErrUnreachable, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: failed to connect to browser: %v", ErrUnreachable, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: failed to open page: %v", ErrUnreachable, err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  opts.Width,
		Height: opts.Height,
	}); err != nil {
		logrus.Warnf("Failed to set browser window size: %v", err)
	}

	logrus.Debugf("Browser launched at %s", controlURL)
	return &rodDriver{
		launcher: l,
		browser:  browser,
		page:     page,
		interval: opts.PollInterval,
	}, nil
}

func (d *rodDriver) live() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	if err := d.live(); err != nil {
		return err
	}
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s to load: %w", url, err)
	}
	return nil
}

func (d *rodDriver) WaitFor(ctx context.Context, cond Condition, timeout time.Duration) error {
	return Poll(ctx, d.Content, cond, timeout, d.interval)
}

func (d *rodDriver) Content(ctx context.Context) (string, error) {
	if err := d.live(); err != nil {
		return "", err
	}
	return d.page.Context(ctx).HTML()
}

func (d *rodDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.live(); err != nil {
		return "", err
	}
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *rodDriver) Submit(ctx context.Context, form Form) error {
	if err := d.live(); err != nil {
		return err
	}
	p := d.page.Context(ctx)

	for _, f := range form.Fields {
		el, err := p.Element(f.Selector)
		if err != nil {
			return fmt.Errorf("failed to find input %s: %w", f.Selector, err)
		}
		if err := el.SelectAllText(); err != nil {
			return fmt.Errorf("failed to clear input %s: %w", f.Selector, err)
		}
		if err := el.Input(f.Value); err != nil {
			return fmt.Errorf("failed to fill input %s: %w", f.Selector, err)
		}
	}

	btn, err := p.Element(form.Submit)
	if err != nil {
		return fmt.Errorf("failed to find submit button %s: %w", form.Submit, err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", form.Submit, err)
	}
	return nil
}

// Close terminates the browser process. Safe to call more than once.
func (d *rodDriver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.closeErr = d.browser.Close()
		d.launcher.Kill()
		d.launcher.Cleanup()
		logrus.Debug("Browser closed")
	})
	return d.closeErr
}
