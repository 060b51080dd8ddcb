package tracking

import (
	"fmt"
	"sort"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// gauger is the slice of the DogStatsD client used here.
type gauger interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Flush() error
}

// StatsD mirrors logged points to DogStatsD as gauges under the emobench namespace.
type StatsD struct {
	client gauger
	closer func() error
}

// NewStatsD dials addr over UDP.
func NewStatsD(addr string) (*StatsD, error) {
	c, err := statsd.New(addr, statsd.WithNamespace("emobench."))
	if err != nil {
		return nil, fmt.Errorf("statsd %s: %w", addr, err)
	}
	return &StatsD{client: c, closer: c.Close}, nil
}

// Close flushes and closes the client.
func (s *StatsD) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *StatsD) StartRun(project string) (Run, error) {
	return &statsdRun{client: s.client, tags: []string{"project:" + project}}, nil
}

type statsdRun struct {
	client gauger
	tags   []string
}

func (r *statsdRun) ID() string { return "" }

func (r *statsdRun) Log(_ int, values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.client.Gauge(k, values[k], r.tags, 1); err != nil {
			return fmt.Errorf("gauge %s: %w", k, err)
		}
	}
	return nil
}

func (r *statsdRun) Report(rec ReportRecord) error {
	tags := append(append([]string(nil), r.tags...), "data:"+rec.DataLabel, "type:"+rec.TypeLabel)
	for _, g := range []struct {
		name  string
		value float64
	}{
		{"report.accuracy", rec.Accuracy},
		{"report.macro_f1", rec.MacroF1},
		{"report.binary_f1", rec.BinaryF1},
	} {
		if err := r.client.Gauge(g.name, g.value, tags, 1); err != nil {
			return fmt.Errorf("gauge %s: %w", g.name, err)
		}
	}
	return nil
}

func (r *statsdRun) Finish() error { return r.client.Flush() }
