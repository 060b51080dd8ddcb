// Package tracking records training curves and evaluation reports outside the log files.
package tracking

import (
	"errors"
	"fmt"
	"time"
)

// #region types
// Tracker starts tracked runs.
type Tracker interface {
	StartRun(project string) (Run, error)
}

// Run receives the points of one tracked training run.
type Run interface {
	ID() string
	Log(step int, values map[string]float64) error
	Report(rec ReportRecord) error
	Finish() error
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Project    string    `json:"project"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// MetricPoint is a single logged value.
type MetricPoint struct {
	Step      int       `json:"step"`
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// ReportRecord is the summary of one evaluation pass plus its rendered text.
type ReportRecord struct {
	ModelLabel string    `json:"model_label"`
	DataLabel  string    `json:"data_label"`
	TypeLabel  string    `json:"type_label"`
	Accuracy   float64   `json:"accuracy"`
	MacroF1    float64   `json:"macro_f1"`
	BinaryF1   float64   `json:"binary_f1"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// #endregion types

// ProjectName names the tracked project of one training run.
func ProjectName(modelLabel, dataLabel string) string {
	return fmt.Sprintf("%s_train_on_%s", modelLabel, dataLabel)
}

// #region nop
// Nop discards everything.
type Nop struct{}

func (Nop) StartRun(string) (Run, error) { return nopRun{}, nil }

type nopRun struct{}

func (nopRun) ID() string                        { return "" }
func (nopRun) Log(int, map[string]float64) error { return nil }
func (nopRun) Report(ReportRecord) error         { return nil }
func (nopRun) Finish() error                     { return nil }

// #endregion nop

// #region multi
// Multi fans every call out to all trackers. The first tracker's run id wins.
type Multi []Tracker

func (m Multi) StartRun(project string) (Run, error) {
	runs := make(multiRun, 0, len(m))
	for _, t := range m {
		r, err := t.StartRun(project)
		if err != nil {
			runs.Finish()
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

type multiRun []Run

func (m multiRun) ID() string {
	if len(m) == 0 {
		return ""
	}
	return m[0].ID()
}

func (m multiRun) Log(step int, values map[string]float64) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Log(step, values))
	}
	return errors.Join(errs...)
}

func (m multiRun) Report(rec ReportRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Report(rec))
	}
	return errors.Join(errs...)
}

func (m multiRun) Finish() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Finish())
	}
	return errors.Join(errs...)
}

// #endregion multi
