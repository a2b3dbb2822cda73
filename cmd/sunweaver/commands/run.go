package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/pipeline"
	"github.com/alvmarrod/sunweaver/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const progressInterval = 10 * time.Second

var runFlags struct {
	user        string
	pass        string
	workers     int
	maxAttempts int
	format      string
	driver      string
	output      string
	month       string
	resume      string
	showBrowser bool
	stations    []string
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runFlags.user, "user", "", "Dashboard username (or $"+envUser+")")
	flags.StringVar(&runFlags.pass, "pass", "", "Dashboard password (or $"+envPass+")")
	flags.IntVarP(&runFlags.workers, "workers", "w", 0, "Concurrent browser sessions")
	flags.IntVar(&runFlags.maxAttempts, "max-attempts", 0, "Attempts per station before giving up")
	flags.StringVarP(&runFlags.format, "format", "f", "", "Output format: jsonl, values, log or csv")
	flags.StringVar(&runFlags.driver, "driver", "", "Browser driver: rod or http")
	flags.StringVarP(&runFlags.output, "output", "o", "", "Output directory")
	flags.StringVarP(&runFlags.month, "month", "m", "", "Only accept report rows whose date contains this month, e.g. 2022-03")
	flags.StringVar(&runFlags.resume, "resume", "", "Resume a run, skipping stations it already wrote")
	flags.BoolVar(&runFlags.showBrowser, "show-browser", false, "Run the browser with a visible window")
	flags.StringSliceVar(&runFlags.stations, "station", nil, "Only scrape these station IDs")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--workers N] [--format jsonl|values|log|csv] [--resume <run-id>]",
	Short: "Logs into the dashboard and scrapes the report of every station.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadDotenv()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, cfg)
		if err := config.Validate(cfg); err != nil {
			return err
		}

		creds, err := resolveCredentials(runFlags.user, runFlags.pass, os.Getenv, promptTerminal)
		if err != nil {
			return err
		}

		o, err := pipeline.Build(cfg, creds, nil, "")
		if err != nil {
			return err
		}
		defer func() {
			if err := o.Close(); err != nil {
				logrus.Errorf("Failed to close run outputs: %v", err)
			}
		}()

		logrus.Infof("Sunweaver v%s starting run %s", version.Version, o.RunID())
		logrus.Infof("Configuration: driver=%s, workers=%d, format=%s, output=%s",
			cfg.Driver, cfg.Workers, cfg.Format, cfg.OutputDir)

		exitCode = execute(cmd, cfg, o)
		return nil
	},
}

// applyRunFlags overrides the file configuration with the flags actually set
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = runFlags.workers
	}
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = runFlags.maxAttempts
	}
	if flags.Changed("format") {
		cfg.Format = runFlags.format
	}
	if flags.Changed("driver") {
		cfg.Driver = runFlags.driver
	}
	if flags.Changed("output") {
		cfg.OutputDir = runFlags.output
	}
	if flags.Changed("month") {
		cfg.Month = runFlags.month
	}
	if flags.Changed("resume") {
		cfg.ResumeRunID = runFlags.resume
	}
	if flags.Changed("show-browser") {
		cfg.ShowBrowser = runFlags.showBrowser
	}
	if flags.Changed("station") {
		cfg.Stations = runFlags.stations
	}
}

// execute runs the orchestrator until it finishes or the operator interrupts
// it, and returns the process exit status
func execute(cmd *cobra.Command, cfg *config.Config, o *pipeline.Orchestrator) int {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	tracker := o.Metrics()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)

	// First signal cancels the run, second one forces exit
	go func() {
		select {
		case sig := <-sigChan:
			logrus.Warnf("Received signal %v, cancelling run (send again to force exit)", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigChan:
			logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
			if err := tracker.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
				logrus.Errorf("Emergency metrics save failed: %v", err)
			}
			os.Exit(1)
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
			case <-done:
				return
			}
		}
	}()

	sum, err := o.Run(ctx)
	if err != nil {
		logrus.Error(err)
	}

	logrus.Info("Final stats: " + tracker.LogProgress())
	reason := string(sum.State())
	if ctx.Err() != nil {
		reason = "signal"
	}
	if err := tracker.WriteToFile(cfg.MetricsPath, reason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	} else {
		logrus.Infof("Metrics written to %s", cfg.MetricsPath)
	}

	sum.Render(cmd.OutOrStdout())
	return sum.ExitCode()
}
