// Package retry runs a fetch under a bounded attempt and backoff policy
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/alvmarrod/sunweaver/internal/model"
)

// Op is one attempt; attempt starts at 1
type Op func(ctx context.Context, attempt int) model.Outcome

// Relogin re-authenticates the session used by Op
type Relogin func(ctx context.Context) error

// Policy bounds retries. Fatal outcomes are never retried; an expired
// session triggers one re-login per Do call before the next attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// OnRetry is called before waiting for the next attempt
	OnRetry func(attempt int, out model.Outcome, wait time.Duration)
}

// Result is the final outcome and how many attempts it took
type Result struct {
	Outcome  model.Outcome
	Attempts int
	Relogins int
}

// Do runs op until it succeeds, fails fatally or exhausts MaxAttempts.
// Exhaustion returns the last transient outcome.
func (p Policy) Do(ctx context.Context, op Op, relogin Relogin) Result {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res Result
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		res.Outcome = op(ctx, attempt)

		if !res.Outcome.IsTransient() || attempt >= maxAttempts {
			return res
		}

		if res.Outcome.Reason == model.ReasonSessionExpired && relogin != nil && res.Relogins == 0 {
			res.Relogins++
			if p.OnRetry != nil {
				p.OnRetry(attempt, res.Outcome, 0)
			}
			if err := relogin(ctx); err != nil {
				if ctx.Err() != nil {
					res.Outcome = model.Fatal(model.ReasonCancelled, ctx.Err())
				} else {
					res.Outcome = model.Fatal(model.ReasonReloginFailed, fmt.Errorf("after %s: %w", res.Outcome.Reason, err))
				}
				return res
			}
			continue
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, res.Outcome, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			res.Outcome = model.Fatal(model.ReasonCancelled, err)
			return res
		}
	}
}

// Backoff returns the wait after the given failed attempt:
// BaseDelay * 2^(attempt-1), clamped to [MinDelay, MaxDelay].
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	backoff := p.BaseDelay * time.Duration(1<<shift)

	if p.MaxDelay > 0 && (backoff > p.MaxDelay || backoff < 0) {
		return p.MaxDelay
	}
	if backoff < p.MinDelay {
		return p.MinDelay
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
