// Package browser abstracts the remote browser the scraper drives. The
// pipeline only needs four operations: navigate, wait for a condition, read the
// rendered content and submit form fields.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrTimeout is returned by WaitFor when the condition never held
	ErrTimeout = errors.New("condition not met before timeout")
	// ErrUnreachable means the driver could not be started or connected
	ErrUnreachable = errors.New("browser driver unreachable")
	// ErrClosed is returned by any operation on a closed driver
	ErrClosed = errors.New("browser driver closed")
)

// Condition is evaluated against the rendered page
type Condition func(doc *goquery.Document) bool

// Field is a form input addressed by CSS selector
type Field struct {
	Selector string
	Value    string
}

// Form describes the inputs to fill and the element that submits them
type Form struct {
	Fields []Field
	Submit string
}

// Driver is one browser connection. Implementations are not safe for
// concurrent use; each session owns its driver.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, cond Condition, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Submit(ctx context.Context, form Form) error
	Close() error
}

// Factory opens new driver connections
type Factory interface {
	Open(ctx context.Context) (Driver, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(ctx context.Context) (Driver, error)

func (f FactoryFunc) Open(ctx context.Context) (Driver, error) { return f(ctx) }

// Parse turns rendered HTML into a document
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return doc, nil
}

// Document reads and parses the current page of a driver
func Document(ctx context.Context, d Driver) (*goquery.Document, error) {
	html, err := d.Content(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(html)
}

// Poll repeatedly reads content and evaluates cond until it holds or the
// timeout elapses. Cancellation of ctx is reported as ctx.Err(), an elapsed
// timeout as ErrTimeout.
func Poll(ctx context.Context, content func(context.Context) (string, error), cond Condition, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		html, err := content(pollCtx)
		if err == nil {
			if doc, perr := Parse(html); perr == nil && cond(doc) {
				return nil
			}
		} else if errors.Is(err, ErrClosed) {
			return err
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// Exists is a Condition satisfied when selector matches at least one element
func Exists(selector string) Condition {
	return func(doc *goquery.Document) bool {
		return doc.Find(selector).Length() > 0
	}
}

// Any is satisfied when at least one of conds holds
func Any(conds ...Condition) Condition {
	return func(doc *goquery.Document) bool {
		for _, c := range conds {
			if c(doc) {
				return true
			}
		}
		return false
	}
}
