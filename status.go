package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jadechjin/zotero-mineru-dify/internal/progress"
)

// recentFailureLimit caps how many failure rows the status view shows.
const recentFailureLimit = 10

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ingestion progress per knowledge base",
		Long: `Display what the progress ledger remembers: how many attachments each
Dify dataset received, how many are marked failed, and the most recent
failures with their stage and reason.

Reads the local ledger only and never contacts the remote services.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Datasets       []progress.DatasetStatus `json:"datasets"`
	RecentFailures []progress.FailureRecord `json:"recent_failures"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ledger, err := progress.NewLedger(bootCfg.ProgressDBPath(), buildLogger())
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := cmd.Context()

	statuses, err := ledger.DatasetStatuses(ctx)
	if err != nil {
		return err
	}

	failures, err := ledger.RecentFailures(ctx, recentFailureLimit)
	if err != nil {
		return err
	}

	report := statusReport{Datasets: statuses, RecentFailures: failures}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatusText(os.Stdout, report)

	return nil
}

// printStatusText renders the ledger summary, with a hint towards the next
// step when nothing was ingested yet.
func printStatusText(out io.Writer, report statusReport) {
	if len(report.Datasets) == 0 {
		fmt.Fprintln(out, "No ingestion recorded yet. Run 'zmd' to ingest a library or 'zmd serve' to start the control plane.")
		return
	}

	rows := make([][]string, 0, len(report.Datasets))
	for _, d := range report.Datasets {
		rows = append(rows, []string{
			d.DatasetID,
			strconv.Itoa(d.Processed),
			strconv.Itoa(d.Failed),
			d.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	printTable(out, []string{"DATASET", "UPLOADED", "FAILED", "LAST ACTIVITY"}, rows)

	if len(report.RecentFailures) == 0 {
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Recent failures:")

	failRows := make([][]string, 0, len(report.RecentFailures))
	for _, f := range report.RecentFailures {
		failRows = append(failRows, []string{f.TaskKey, f.DatasetID, f.Stage, f.Reason})
	}

	printTable(out, []string{"ITEM", "DATASET", "STAGE", "REASON"}, failRows)
}
