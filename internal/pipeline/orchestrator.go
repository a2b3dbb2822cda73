// Package pipeline runs a scrape: login, station resolution, a bounded pool of
// workers fetching reports, and the final RunSummary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alvmarrod/sunweaver/internal/browser"
	"github.com/alvmarrod/sunweaver/internal/fetcher"
	"github.com/alvmarrod/sunweaver/internal/logwriter"
	"github.com/alvmarrod/sunweaver/internal/metrics"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/alvmarrod/sunweaver/internal/resolver"
	"github.com/alvmarrod/sunweaver/internal/retry"
	"github.com/alvmarrod/sunweaver/internal/session"
	"github.com/alvmarrod/sunweaver/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned by Run when the run stopped before every station
// got an outcome
var ErrAborted = errors.New("run aborted")

const reasonResumed = "written in an earlier attempt of this run"

// Deps are the collaborators of one run
type Deps struct {
	Sessions *session.Controller
	Resolver *resolver.Resolver
	Fetcher  *fetcher.Fetcher
	Writer   *logwriter.Writer
	Policy   retry.Policy

	// Ledger and Metrics are optional
	Ledger  *storage.Storage
	Metrics *metrics.Tracker
}

// Options tune one run
type Options struct {
	RunID     string
	Workers   int
	Resume    bool
	SheetName string
	Format    string
	OutputDir string
}

// Orchestrator drives one run from login to RunSummary
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logrus.Entry
}

// New creates an orchestrator. Workers below one means one.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewTracker(opts.RunID)
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  logrus.WithField("run", opts.RunID),
	}
}

// Metrics returns the run's tracker
func (o *Orchestrator) Metrics() *metrics.Tracker {
	return o.deps.Metrics
}

// abortError carries the outcome that stopped a worker
type abortError struct {
	out model.Outcome
}

func (e *abortError) Error() string { return e.out.String() }

// sessionPool remembers every session handed out so all of them are
// released before Run returns
type sessionPool struct {
	ctl      *session.Controller
	mu       sync.Mutex
	sessions []*session.Session
}

func (p *sessionPool) add(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, s)
}

func (p *sessionPool) releaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if err := p.ctl.Release(s); err != nil {
			logrus.WithField("session", s.ID()).Warnf("Failed to release session: %v", err)
		}
	}
	p.sessions = nil
}

// Run executes the whole scrape. The summary is always returned; the error
// wraps ErrAborted when the run did not complete.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	sum := newSummary(o.opts.RunID)
	o.log.Infof("Starting run (workers=%d, resume=%v)", o.opts.Workers, o.opts.Resume)
	o.startLedger(sum)

	pool := &sessionPool{ctl: o.deps.Sessions}
	defer pool.releaseAll()

	first, out := o.login(ctx)
	if !out.IsSuccess() {
		return o.abort(sum, out)
	}
	pool.add(first)

	stations, out := o.resolve(ctx, first)
	if !out.IsSuccess() {
		return o.abort(sum, out)
	}
	o.deps.Metrics.SetStationsResolved(len(stations))
	for _, st := range stations {
		sum.add(st)
	}
	o.log.Infof("Resolved %d stations", len(stations))

	queue := NewQueue(o.pending(sum, stations))
	workers := min(o.opts.Workers, queue.Size())
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return o.worker(gctx, w, first, pool, queue, sum)
		})
	}

	err := g.Wait()
	var ae *abortError
	if errors.As(err, &ae) {
		if left := queue.Drain(); len(left) > 0 {
			o.log.Infof("%d queued stations were not started", len(left))
		}
		return o.abort(sum, ae.out)
	}
	if c := sum.Counts(); ctx.Err() != nil && c.Written+c.Failed+c.Skipped < c.Total {
		return o.abort(sum, model.Fatal(model.ReasonCancelled, ctx.Err()))
	}
	// Workers that could not log in may leave stations behind
	if left := sum.skipPending("no worker available"); len(left) > 0 {
		o.recordSkipped(left)
	}

	c := sum.Counts()
	switch {
	case c.Failed > 0 || c.Skipped > 0:
		sum.finish(StatePartial, fmt.Sprintf("%d failed, %d skipped", c.Failed, c.Skipped))
	default:
		sum.finish(StateSucceeded, "")
	}
	o.finishLedger(sum)
	o.log.Infof("Run finished: %s (%d written, %d failed, %d skipped)", sum.State(), c.Written, c.Failed, c.Skipped)
	return sum, nil
}

func (o *Orchestrator) login(ctx context.Context) (*session.Session, model.Outcome) {
	var s *session.Session
	p := o.policyFor(o.log.WithField("step", "login"))
	res := p.Do(ctx, func(ctx context.Context, attempt int) model.Outcome {
		var err error
		s, err = o.deps.Sessions.Login(ctx)
		return session.Classify(err)
	}, nil)
	return s, res.Outcome
}

// resolve lists the stations, logging in again once if the session expires
// on the way
func (o *Orchestrator) resolve(ctx context.Context, s *session.Session) ([]model.Station, model.Outcome) {
	var stations []model.Station
	p := o.policyFor(o.log.WithField("step", "resolve"))
	res := p.Do(ctx, func(ctx context.Context, attempt int) model.Outcome {
		d, err := s.Driver()
		if err != nil {
			return model.Fatal(model.ReasonReloginFailed, err)
		}
		stations, err = o.deps.Resolver.Resolve(ctx, d)
		switch {
		case err == nil:
			return model.Outcome{Kind: model.KindSuccess}
		case errors.Is(err, resolver.ErrNoStations):
			return model.Fatal(model.ReasonNoStations, err)
		case ctx.Err() != nil:
			return model.Fatal(model.ReasonCancelled, err)
		case errors.Is(err, browser.ErrUnreachable):
			return model.Fatal(model.ReasonDriverUnreachable, err)
		case errors.Is(err, resolver.ErrSessionExpired):
			s.MarkExpired()
			return model.Transient(model.ReasonSessionExpired, err)
		default:
			return model.Transient(model.ReasonNavigation, err)
		}
	}, func(ctx context.Context) error {
		o.deps.Metrics.IncrementRelogins()
		return o.deps.Sessions.Relogin(ctx, s)
	})
	return stations, res.Outcome
}

// pending returns the stations still to fetch, marking those the ledger
// already has as written when resuming
func (o *Orchestrator) pending(sum *RunSummary, stations []model.Station) []model.Station {
	if !o.opts.Resume || o.deps.Ledger == nil {
		return stations
	}
	written, err := o.deps.Ledger.WrittenStations(o.opts.RunID)
	if err != nil {
		o.log.Warnf("Failed to read ledger, fetching every station: %v", err)
		return stations
	}

	var left []model.Station
	for _, st := range stations {
		if written[st.ID] {
			sum.set(st.ID, StatusWritten, 0, reasonResumed)
			o.deps.Metrics.IncrementWritten()
			continue
		}
		left = append(left, st)
	}
	if n := len(stations) - len(left); n > 0 {
		o.log.Infof("Resuming: %d stations already written", n)
	}
	return left
}

func (o *Orchestrator) worker(ctx context.Context, id int, first *session.Session, pool *sessionPool, queue *Queue, sum *RunSummary) error {
	log := o.log.WithField("worker", id)

	s := first
	if id > 0 {
		var out model.Outcome
		s, out = o.login(ctx)
		if !out.IsSuccess() {
			if out.Reason == model.ReasonBadCredentials || out.Reason == model.ReasonCancelled {
				return &abortError{out: out}
			}
			log.Warnf("Worker could not log in, leaving its share to the others: %s", out)
			return nil
		}
		pool.add(s)
	}
	log = log.WithField("session", s.ID())
	log.Debug("Worker started")

	for {
		st, ok := queue.Pop()
		if !ok {
			log.Debug("Worker done")
			return nil
		}
		if err := o.process(ctx, log.WithField("station", st.ID), s, st, sum); err != nil {
			return err
		}
	}
}

// process fetches and writes one station. Only run-level failures are
// returned; station failures are recorded and swallowed.
func (o *Orchestrator) process(ctx context.Context, log *logrus.Entry, s *session.Session, st model.Station, sum *RunSummary) error {
	if err := ctx.Err(); err != nil {
		return &abortError{out: model.Fatal(model.ReasonCancelled, err)}
	}

	if !o.deps.Sessions.IsAlive(ctx, s) {
		o.deps.Metrics.IncrementRelogins()
		if err := o.deps.Sessions.Relogin(ctx, s); err != nil {
			out := session.Classify(err)
			return &abortError{out: out}
		}
	}
	d, err := s.Driver()
	if err != nil {
		return &abortError{out: model.Fatal(model.ReasonReloginFailed, err)}
	}

	p := o.policyFor(log)
	res := p.Do(ctx, func(ctx context.Context, attempt int) model.Outcome {
		start := time.Now()
		out := o.deps.Fetcher.Fetch(ctx, d, st)
		o.deps.Metrics.RecordFetch(time.Since(start))
		if out.Reason == model.ReasonSessionExpired {
			s.MarkExpired()
		}
		return out
	}, func(ctx context.Context) error {
		o.deps.Metrics.IncrementRelogins()
		return o.deps.Sessions.Relogin(ctx, s)
	})

	out := res.Outcome
	switch {
	case out.IsSuccess():
		if err := o.deps.Writer.Append(*out.Record); err != nil {
			log.Errorf("Failed to write record: %v", err)
			o.record(sum, st, StatusFailed, res.Attempts, model.ReasonWriteFailed)
			return nil
		}
		log.WithField("attempt", res.Attempts).Infof("Wrote %d values", len(out.Record.Metrics))
		o.record(sum, st, StatusWritten, res.Attempts, "")
	case out.Reason == model.ReasonCancelled:
		o.record(sum, st, StatusSkipped, res.Attempts, out.Reason)
		return &abortError{out: out}
	case out.Reason == model.ReasonReloginFailed:
		o.record(sum, st, StatusFailed, res.Attempts, out.Reason)
		return &abortError{out: out}
	default:
		log.WithField("reason", out.Reason).Warnf("Station failed after %d attempts: %v", res.Attempts, out.Err)
		o.record(sum, st, StatusFailed, res.Attempts, out.Reason)
	}
	return nil
}

// policyFor copies the retry policy with a retry hook logging to log
func (o *Orchestrator) policyFor(log *logrus.Entry) retry.Policy {
	p := o.deps.Policy
	p.OnRetry = func(attempt int, out model.Outcome, wait time.Duration) {
		o.deps.Metrics.IncrementRetries()
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"reason":  out.Reason,
		}).Warnf("Attempt failed, retrying in %s", wait)
	}
	return p
}

func (o *Orchestrator) record(sum *RunSummary, st model.Station, status Status, attempts int, reason string) {
	sum.set(st.ID, status, attempts, reason)
	o.track(st, status, attempts, reason)
}

// track feeds a station outcome to the metrics and the ledger
func (o *Orchestrator) track(st model.Station, status Status, attempts int, reason string) {
	switch status {
	case StatusWritten:
		o.deps.Metrics.IncrementWritten()
	case StatusFailed:
		o.deps.Metrics.IncrementFailed()
	case StatusSkipped:
		o.deps.Metrics.IncrementSkipped()
	}

	if o.deps.Ledger == nil {
		return
	}
	err := o.deps.Ledger.RecordOutcome(storage.StationOutcome{
		RunID:       o.opts.RunID,
		StationID:   st.ID,
		StationName: st.Name,
		Status:      string(status),
		Attempts:    attempts,
		Reason:      reason,
	})
	if err != nil {
		o.log.WithField("station", st.ID).Warnf("Failed to record outcome: %v", err)
	}
}

func (o *Orchestrator) recordSkipped(skipped []StationResult) {
	for _, r := range skipped {
		o.track(r.Station, StatusSkipped, r.Attempts, r.Reason)
	}
}

// abort skips every station without an outcome and closes the run
func (o *Orchestrator) abort(sum *RunSummary, out model.Outcome) (*RunSummary, error) {
	o.recordSkipped(sum.skipPending(out.Reason))
	sum.finish(StateAborted, out.Reason)
	o.finishLedger(sum)
	o.log.WithField("reason", out.Reason).Errorf("Run aborted: %s", out)

	if out.Err != nil {
		return sum, fmt.Errorf("%w: %s: %w", ErrAborted, out.Reason, out.Err)
	}
	return sum, fmt.Errorf("%w: %s", ErrAborted, out.Reason)
}

func (o *Orchestrator) startLedger(sum *RunSummary) {
	if o.deps.Ledger == nil {
		return
	}
	err := o.deps.Ledger.StartRun(storage.Run{
		RunID:     o.opts.RunID,
		StartedAt: sum.StartedAt,
		SheetName: o.opts.SheetName,
		Format:    o.opts.Format,
		OutputDir: o.opts.OutputDir,
	})
	if err != nil {
		o.log.Warnf("Failed to register run in ledger: %v", err)
	}
}

func (o *Orchestrator) finishLedger(sum *RunSummary) {
	if o.deps.Ledger == nil {
		return
	}
	c := sum.Counts()
	err := o.deps.Ledger.FinishRun(storage.Run{
		RunID:    o.opts.RunID,
		State:    string(sum.State()),
		Stations: c.Total,
		Written:  c.Written,
		Failed:   c.Failed,
		Skipped:  c.Skipped,
		Reason:   sum.Reason(),
	})
	if err != nil {
		o.log.Warnf("Failed to finish run in ledger: %v", err)
	}
}
