package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jadechjin/zotero-mineru-dify/internal/task"
)

// consolePollInterval paces the event poll behind the terminal stream.
const consolePollInterval = 200 * time.Millisecond

// followEvents prints task events to out as they appear and returns once the
// task is terminal and every event has been printed. With --quiet only
// warnings and errors show.
func followEvents(t *task.Task, out io.Writer) {
	var after int64

	ticker := time.NewTicker(consolePollInterval)
	defer ticker.Stop()

	for {
		for _, ev := range t.Events(after) {
			if !flagQuiet || ev.Level != task.LevelInfo {
				printEvent(out, ev)
			}

			after = ev.Seq
		}

		if t.Status().Terminal() {
			return
		}

		<-ticker.C
	}
}

// printEvent renders one event line: timestamp, level, stage, message.
func printEvent(out io.Writer, ev task.Event) {
	sec := int64(ev.TS)
	ts := time.Unix(sec, int64((ev.TS-float64(sec))*float64(time.Second)))

	fmt.Fprintf(out, "%s %-5s %-14s %s\n",
		ts.Format("15:04:05"), strings.ToUpper(string(ev.Level)), ev.Stage, ev.Message)
}

// printSummary renders the final run report: status, elapsed time, the
// per-file table, and the counts.
func printSummary(out io.Writer, t *task.Task) {
	d := t.Detail()

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Status: %s\n", d.Status)

	if d.Error != "" {
		fmt.Fprintf(out, "Error:  %s\n", d.Error)
	}

	if d.StartedAt != nil && d.FinishedAt != nil {
		elapsed := time.Duration((*d.FinishedAt - *d.StartedAt) * float64(time.Second))
		fmt.Fprintf(out, "Took:   %s\n", elapsed.Round(time.Second))
	}

	if len(d.Files) == 0 {
		return
	}

	var uploaded, failed, skipped int

	rows := make([][]string, 0, len(d.Files))

	for _, f := range d.Files {
		switch f.Status {
		case task.FileSucceeded:
			uploaded++
		case task.FileFailed:
			failed++
		case task.FileSkipped:
			skipped++
		}

		rows = append(rows, []string{f.Name, string(f.Status), string(f.Stage), f.Error})
	}

	fmt.Fprintln(out)
	printTable(out, []string{"FILE", "STATUS", "STAGE", "ERROR"}, rows)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%d files: %d uploaded, %d failed, %d skipped\n",
		len(d.Files), uploaded, failed, skipped)
}
