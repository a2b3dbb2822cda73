package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/alvmarrod/sunweaver/internal/browser/browsertest"
	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/logwriter"
	"github.com/alvmarrod/sunweaver/internal/model"
	"github.com/alvmarrod/sunweaver/internal/session"
	"github.com/alvmarrod/sunweaver/internal/storage"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const base = "https://dash.example"

var creds = session.Credentials{Username: "operator", Password: "hunter2"}

func reportURL(id string) string {
	return base + "/report?station=" + id
}

func testConfig(dir string) *config.Config {
	cfg := &config.Config{
		OutputDir:  filepath.Join(dir, "out"),
		LedgerPath: filepath.Join(dir, "ledger.db"),
	}
	config.ApplyDefaults(cfg)
	cfg.MaxAttempts = 3
	cfg.RetryBaseDelayMs = 1
	cfg.RetryMaxDelayMs = 5
	cfg.LoginTimeoutMs = 500
	cfg.LoadTimeoutMs = 60
	cfg.PollIntervalMs = 10
	cfg.NavigationsPerSecond = 1000

	cfg.Secrets = config.Secrets{
		SheetName:         "Sunweaver test",
		LoginURL:          base + "/login",
		StationListURL:    base + "/stations",
		ReportURLTemplate: base + "/report?station=",
		StationPattern:    `station=(?P<id>\w+)`,
	}
	config.ApplySelectorDefaults(&cfg.Secrets.Selectors)
	return cfg
}

// stationList serves the given station IDs on one page, named after their IDs
func stationList(dash *browsertest.Dashboard, ids ...string) {
	links := map[string]string{}
	for _, id := range ids {
		links["/report?station="+id] = "Station " + id
	}
	dash.Handle(base+"/stations", browsertest.Static(browsertest.StationListPage(links, "", true)))
}

func report(value string) browsertest.Response {
	return browsertest.Response{HTML: browsertest.ReportPage(
		browsertest.Row{Date: "2022-03-01", Value: value},
		browsertest.Row{Date: "2022-03-02", Value: value},
	)}
}

var loading = browsertest.Response{HTML: browsertest.LoadingPage()}

var _ = Describe("Orchestrator", func() {
	var (
		dir  string
		cfg  *config.Config
		dash *browsertest.Dashboard
		ctx  context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		cfg = testConfig(dir)
		dash = browsertest.NewDashboard(base, creds.Username, creds.Password)
		ctx = context.Background()
	})

	build := func(c session.Credentials, runID string) *Orchestrator {
		o, err := Build(cfg, c, dash.Factory(), runID)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(o.Close)
		return o
	}

	entries := func(runID string) []logwriter.Entry {
		got, err := logwriter.ReadJSONL(filepath.Join(cfg.OutputDir, runID+".jsonl"))
		Expect(err).NotTo(HaveOccurred())
		return got
	}

	stationIDs := func(es []logwriter.Entry) []string {
		ids := make([]string, 0, len(es))
		for _, e := range es {
			ids = append(ids, e.StationID)
		}
		return ids
	}

	Context("when every station loads", func() {
		It("writes one entry per station and succeeds", func() {
			stationList(dash, "S1", "S2", "S3")
			for _, id := range []string{"S1", "S2", "S3"} {
				dash.Handle(reportURL(id), browsertest.Static(report("10.5").HTML))
			}

			o := build(creds, "run-1")
			sum, err := o.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(sum.State()).To(Equal(StateSucceeded))
			Expect(sum.ExitCode()).To(Equal(0))
			Expect(sum.Counts()).To(Equal(Counts{Total: 3, Written: 3}))
			Expect(stationIDs(entries("run-1"))).To(Equal([]string{"S1", "S2", "S3"}))

			for _, e := range entries("run-1") {
				Expect(e.RunID).To(Equal("run-1"))
				Expect(e.StationName).To(Equal("Station " + e.StationID))
				Expect(e.Metrics).To(HaveLen(2))
			}

			Expect(dash.Opened()).To(Equal(1))
			Expect(dash.Closed()).To(Equal(1))

			snap := o.Metrics().GetSnapshot()
			Expect(snap.StationsResolved).To(Equal(3))
			Expect(snap.StationsWritten).To(Equal(3))
			Expect(snap.Attempts).To(Equal(3))
		})
	})

	Context("when the credentials are rejected", func() {
		It("aborts before resolving and writes nothing", func() {
			stationList(dash, "S1")
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))

			o := build(session.Credentials{Username: "operator", Password: "wrong"}, "run-bad")
			sum, err := o.Run(ctx)
			Expect(err).To(MatchError(ErrAborted))
			Expect(err).To(MatchError(session.ErrBadCredentials))

			Expect(sum.State()).To(Equal(StateAborted))
			Expect(sum.Reason()).To(Equal(model.ReasonBadCredentials))
			Expect(sum.ExitCode()).To(Equal(1))
			Expect(entries("run-bad")).To(BeEmpty())
			Expect(dash.Visits(base + "/stations")).To(Equal(0))
			Expect(dash.Opened()).To(Equal(1))
			Expect(dash.Closed()).To(Equal(1))
		})
	})

	Context("when a report is slow to load", func() {
		It("retries until the table settles", func() {
			stationList(dash, "S1", "S2", "S3")
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))
			dash.Handle(reportURL("S2"), browsertest.Sequence(loading, loading, report("2")))
			dash.Handle(reportURL("S3"), browsertest.Static(report("3").HTML))

			sum, err := build(creds, "run-slow").Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.State()).To(Equal(StateSucceeded))

			r, ok := sum.Result("S2")
			Expect(ok).To(BeTrue())
			Expect(r.Status).To(Equal(StatusWritten))
			Expect(r.Attempts).To(Equal(3))
			Expect(dash.Visits(reportURL("S2"))).To(Equal(3))
			Expect(stationIDs(entries("run-slow"))).To(Equal([]string{"S1", "S2", "S3"}))
		})

		It("marks the station failed once attempts run out", func() {
			stationList(dash, "S1", "S2", "S3")
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))
			dash.Handle(reportURL("S2"), browsertest.Sequence(loading))
			dash.Handle(reportURL("S3"), browsertest.Static(report("3").HTML))

			o := build(creds, "run-partial")
			sum, err := o.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(sum.State()).To(Equal(StatePartial))
			Expect(sum.ExitCode()).To(Equal(2))
			r, _ := sum.Result("S2")
			Expect(r.Status).To(Equal(StatusFailed))
			Expect(r.Reason).To(Equal(model.ReasonLoadTimeout))
			Expect(r.Attempts).To(Equal(cfg.MaxAttempts))
			Expect(dash.Visits(reportURL("S2"))).To(Equal(cfg.MaxAttempts))
			Expect(stationIDs(entries("run-partial"))).To(Equal([]string{"S1", "S3"}))
			Expect(o.Metrics().GetSnapshot().Retries).To(Equal(cfg.MaxAttempts - 1))
		})
	})

	Context("when the session expires mid-run", func() {
		It("logs in again and writes the station once", func() {
			stationList(dash, "S1", "S2", "S3")
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))
			dash.Handle(reportURL("S2"), browsertest.Static(report("2").HTML))
			dash.Handle(reportURL("S3"), browsertest.Sequence(browsertest.Response{Expire: true}, report("3")))

			o := build(creds, "run-expiry")
			sum, err := o.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(sum.State()).To(Equal(StateSucceeded))
			Expect(dash.Logins()).To(Equal(2))
			Expect(stationIDs(entries("run-expiry"))).To(Equal([]string{"S1", "S2", "S3"}))
			Expect(o.Metrics().GetSnapshot().Relogins).To(Equal(1))
			Expect(dash.Opened()).To(Equal(dash.Closed()))
		})
	})

	Context("when the re-login is rejected mid-run", func() {
		It("fails the station, aborts and releases every session", func() {
			stationList(dash, "S1", "S2", "S3", "S4")
			for _, id := range []string{"S1", "S3", "S4"} {
				dash.Handle(reportURL(id), browsertest.Static(report("1").HTML))
			}
			dash.Handle(reportURL("S2"), func(int) browsertest.Response {
				// the second worker must be logged in before the password changes
				deadline := time.Now().Add(2 * time.Second)
				for dash.Logins() < 2 && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
				dash.SetPassword("rotated")
				return browsertest.Response{Expire: true}
			})
			cfg.Workers = 2

			o := build(creds, "run-relogin")
			sum, err := o.Run(ctx)
			Expect(err).To(MatchError(ErrAborted))
			Expect(err).To(MatchError(session.ErrReloginFailed))

			Expect(sum.State()).To(Equal(StateAborted))
			Expect(sum.Reason()).To(Equal(model.ReasonReloginFailed))
			Expect(sum.ExitCode()).To(Equal(1))

			r, _ := sum.Result("S2")
			Expect(r.Status).To(Equal(StatusFailed))
			Expect(r.Reason).To(Equal(model.ReasonReloginFailed))
			c := sum.Counts()
			Expect(c.Failed).To(Equal(1))
			Expect(c.Written + c.Failed + c.Skipped).To(Equal(c.Total))
			Expect(stationIDs(entries("run-relogin"))).NotTo(ContainElement("S2"))

			Expect(dash.Logins()).To(Equal(2))
			Expect(o.Metrics().GetSnapshot().Relogins).To(Equal(1))
			Expect(dash.Opened()).To(Equal(2))
			Expect(dash.Closed()).To(Equal(2))
		})
	})

	Context("when the session expires while resolving", func() {
		It("logs in again and resolves the list", func() {
			dash.Handle(base+"/stations", browsertest.Sequence(
				browsertest.Response{Expire: true},
				browsertest.Response{HTML: browsertest.StationListPage(map[string]string{
					"/report?station=S1": "Station S1",
				}, "", true)},
			))
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))

			o := build(creds, "run-resolve-expiry")
			sum, err := o.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(sum.State()).To(Equal(StateSucceeded))
			Expect(dash.Logins()).To(Equal(2))
			Expect(dash.Visits(base + "/stations")).To(Equal(2))
			Expect(o.Metrics().GetSnapshot().Relogins).To(Equal(1))
			Expect(stationIDs(entries("run-resolve-expiry"))).To(Equal([]string{"S1"}))
		})

		It("aborts when the re-login is rejected", func() {
			dash.Handle(base+"/stations", func(int) browsertest.Response {
				dash.SetPassword("rotated")
				return browsertest.Response{Expire: true}
			})

			sum, err := build(creds, "run-resolve-denied").Run(ctx)
			Expect(err).To(MatchError(ErrAborted))
			Expect(sum.State()).To(Equal(StateAborted))
			Expect(sum.Reason()).To(Equal(model.ReasonReloginFailed))
			Expect(dash.Opened()).To(Equal(dash.Closed()))
		})
	})

	Context("when the station list is empty", func() {
		It("aborts with no stations", func() {
			stationList(dash)

			sum, err := build(creds, "run-empty").Run(ctx)
			Expect(err).To(MatchError(ErrAborted))
			Expect(sum.State()).To(Equal(StateAborted))
			Expect(sum.Reason()).To(Equal(model.ReasonNoStations))
			Expect(sum.Counts().Total).To(BeZero())
			Expect(dash.Opened()).To(Equal(dash.Closed()))
		})

		It("succeeds when an empty list is allowed", func() {
			stationList(dash)
			cfg.AllowEmptyStationList = true

			sum, err := build(creds, "run-allowed").Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.State()).To(Equal(StateSucceeded))
		})
	})

	Context("with several workers", func() {
		It("gives each worker its own session and releases all of them", func() {
			ids := make([]string, 0, 8)
			for i := 1; i <= 8; i++ {
				id := fmt.Sprintf("S%d", i)
				ids = append(ids, id)
				dash.Handle(reportURL(id), browsertest.Static(report(id[1:]).HTML))
			}
			stationList(dash, ids...)
			cfg.Workers = 3

			o := build(creds, "run-pool")
			sum, err := o.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(sum.State()).To(Equal(StateSucceeded))
			Expect(entries("run-pool")).To(HaveLen(8))
			Expect(stationIDs(entries("run-pool"))).To(ConsistOf(ids))
			Expect(dash.Logins()).To(Equal(3))
			Expect(dash.Opened()).To(Equal(3))
			Expect(dash.Closed()).To(Equal(3))
		})
	})

	Context("when the run is cancelled", func() {
		It("skips the remaining stations and releases the session", func() {
			stationList(dash, "S1", "S2", "S3")
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))
			dash.Stall(reportURL("S2"))
			dash.Handle(reportURL("S3"), browsertest.Static(report("3").HTML))

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			time.AfterFunc(150*time.Millisecond, cancel)

			sum, err := build(creds, "run-cancel").Run(runCtx)
			Expect(err).To(MatchError(ErrAborted))
			Expect(err).To(MatchError(context.Canceled))

			Expect(sum.State()).To(Equal(StateAborted))
			Expect(sum.Reason()).To(Equal(model.ReasonCancelled))
			Expect(sum.Counts()).To(Equal(Counts{Total: 3, Written: 1, Skipped: 2}))
			Expect(stationIDs(entries("run-cancel"))).To(Equal([]string{"S1"}))
			Expect(dash.Opened()).To(Equal(1))
			Expect(dash.Closed()).To(Equal(1))
		})
	})

	Context("when resuming a run", func() {
		It("fetches only the stations not yet written", func() {
			stationList(dash, "S1", "S2", "S3")
			dash.Handle(reportURL("S1"), browsertest.Static(report("1").HTML))
			dash.Handle(reportURL("S2"), browsertest.Sequence(loading))
			dash.Handle(reportURL("S3"), browsertest.Static(report("3").HTML))

			first := build(creds, "run-resume")
			sum, err := first.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.State()).To(Equal(StatePartial))
			Expect(first.Close()).To(Succeed())

			dash.Handle(reportURL("S2"), browsertest.Static(report("2").HTML))
			cfg.ResumeRunID = "run-resume"

			sum, err = build(creds, "").Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.RunID).To(Equal("run-resume"))
			Expect(sum.State()).To(Equal(StateSucceeded))

			r, _ := sum.Result("S1")
			Expect(r.Status).To(Equal(StatusWritten))
			Expect(r.Reason).To(Equal(reasonResumed))
			Expect(dash.Visits(reportURL("S1"))).To(Equal(1))
			Expect(dash.Visits(reportURL("S3"))).To(Equal(1))
			Expect(stationIDs(entries("run-resume"))).To(Equal([]string{"S1", "S3", "S2"}))

			ledger, err := storage.NewStorage(cfg.LedgerPath)
			Expect(err).NotTo(HaveOccurred())
			defer ledger.Close()
			run, err := ledger.GetRun("run-resume")
			Expect(err).NotTo(HaveOccurred())
			Expect(run.State).To(Equal(storage.RunSucceeded))
			Expect(run.Written).To(Equal(3))
		})
	})

	Context("with an invalid configuration", func() {
		It("fails before opening any browser", func() {
			cfg.Secrets.StationPattern = `station=\w+`

			_, err := Build(cfg, creds, dash.Factory(), "run-invalid")
			var cerr *config.ConfigurationError
			Expect(err).To(BeAssignableToTypeOf(cerr))
			Expect(dash.Opened()).To(BeZero())
		})
	})
})
