package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/storage"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Lists past runs, or the station outcomes of one run.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// history needs the ledger path only, not the dashboard secrets
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ledger, err := storage.NewStorage(cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer ledger.Close()

		if len(args) == 1 {
			return showRun(cmd.OutOrStdout(), ledger, args[0])
		}
		runs, err := ledger.ListRuns(historyLimit)
		if err != nil {
			return err
		}
		renderRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

func renderRuns(w io.Writer, runs []*storage.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run", "Started", "Duration", "State", "Stations", "Written", "Failed", "Skipped", "Reason"})
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			r.RunID, r.StartedAt.Local().Format(time.DateTime), duration, r.State,
			r.Stations, r.Written, r.Failed, r.Skipped, r.Reason,
		})
	}
	t.Render()
}

func showRun(w io.Writer, ledger *storage.Storage, runID string) error {
	run, err := ledger.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	outcomes, err := ledger.StationOutcomes(runID)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Run %s: %s", run.RunID, run.State))
	t.AppendHeader(table.Row{"Station", "Name", "Status", "Attempts", "Reason", "Updated"})
	for _, o := range outcomes {
		t.AppendRow(table.Row{o.StationID, o.StationName, o.Status, o.Attempts, o.Reason, o.UpdatedAt.Local().Format(time.DateTime)})
	}
	t.Render()
	return nil
}
