package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/danielpatrickdp/emobench/internal/labels"
	"github.com/danielpatrickdp/emobench/internal/tracking"
)

// #region main

func main() {
	fs := pflag.NewFlagSet("inspect", pflag.ExitOnError)
	dbPath := fs.String("db", "", "path to the tracking database")
	last := fs.Int("last", 20, "show N most recent runs")
	runID := fs.String("run", "", "show one run's loss curve and reports")
	body := fs.Bool("body", false, "with --run, print full report text")
	showLabels := fs.Bool("labels", false, "print the emotion label policy and exit")
	jsonOut := fs.Bool("json", false, "output as JSON instead of table")
	fs.Parse(os.Args[1:])

	if *showLabels {
		if err := printLabels(os.Stdout, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/emobench.db [--last N] [--run id [--body]] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --labels [--json]")
		os.Exit(2)
	}

	store, err := tracking.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *runID != "" {
		err = runDetailMode(os.Stdout, store, *runID, *body, *jsonOut)
	} else {
		err = runListMode(os.Stdout, store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	RunID     string   `json:"run_id"`
	Project   string   `json:"project"`
	StartedAt string   `json:"started_at"`
	Finished  bool     `json:"finished"`
	Points    int      `json:"points"`
	LastLoss  *float64 `json:"last_train_loss,omitempty"`
	Reports   int      `json:"reports"`
}

func runListMode(w io.Writer, store *tracking.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	if last > 0 && len(runs) > last {
		runs = runs[:last]
	}

	rows := make([]listRow, 0, len(runs))
	for _, r := range runs {
		points, err := store.Metrics(r.RunID)
		if err != nil {
			return err
		}
		reports, err := store.Reports(r.RunID)
		if err != nil {
			return err
		}
		row := listRow{
			RunID:     r.RunID,
			Project:   r.Project,
			StartedAt: r.StartedAt.Format("2006-01-02T15:04:05Z"),
			Finished:  !r.FinishedAt.IsZero(),
			Points:    len(points),
			Reports:   len(reports),
		}
		if l, ok := lastLoss(points); ok {
			row.LastLoss = &l
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no runs found")
		return nil
	}
	fmt.Fprintf(w, "%-8s  %-8s  %6s  %10s  %7s  %-20s  %s\n",
		"Run", "Status", "Points", "Last Loss", "Reports", "Started", "Project")
	for _, r := range rows {
		status := "running"
		if r.Finished {
			status = "finished"
		}
		loss := "-"
		if r.LastLoss != nil {
			loss = fmt.Sprintf("%.4f", *r.LastLoss)
		}
		fmt.Fprintf(w, "%-8s  %-8s  %6d  %10s  %7d  %-20s  %s\n",
			shortID(r.RunID), status, r.Points, loss, r.Reports, r.StartedAt, r.Project)
	}
	return nil
}

func lastLoss(points []tracking.MetricPoint) (float64, bool) {
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Key == "train_loss" {
			return points[i].Value, true
		}
	}
	return 0, false
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	RunID   string                  `json:"run_id"`
	Curve   []tracking.MetricPoint  `json:"curve"`
	Reports []tracking.ReportRecord `json:"reports"`
}

func runDetailMode(w io.Writer, store *tracking.Store, runID string, body, jsonOut bool) error {
	points, err := store.Metrics(runID)
	if err != nil {
		return err
	}
	reports, err := store.Reports(runID)
	if err != nil {
		return err
	}
	if len(points) == 0 && len(reports) == 0 {
		return fmt.Errorf("run %s has no data", runID)
	}
	if !body {
		for i := range reports {
			reports[i].Body = ""
		}
	}

	if jsonOut {
		return printJSON(w, detailOutput{RunID: runID, Curve: points, Reports: reports})
	}

	fmt.Fprintf(w, "Run: %s\n", runID)
	fmt.Fprintf(w, "\nLoss curve:\n")
	for _, p := range points {
		fmt.Fprintf(w, "  step %6d  %-12s %.4f\n", p.Step, p.Key, p.Value)
	}
	fmt.Fprintf(w, "\nReports:\n")
	fmt.Fprintf(w, "  %-5s  %-24s  %8s  %8s  %9s\n", "Type", "Data", "Accuracy", "Macro F1", "Binary F1")
	for _, r := range reports {
		fmt.Fprintf(w, "  %-5s  %-24s  %8.4f  %8.4f  %9.4f\n", r.TypeLabel, r.DataLabel, r.Accuracy, r.MacroF1, r.BinaryF1)
		if body {
			fmt.Fprint(w, r.Body)
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

func printLabels(w io.Writer, jsonOut bool) error {
	syn := labels.DefaultPolicy().Synonyms()
	if jsonOut {
		return printJSON(w, syn)
	}
	for _, s := range syn {
		fmt.Fprintf(w, "  %-12s -> %d (%s)\n", s.Label, s.Class, labels.ClassNames[s.Class])
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
