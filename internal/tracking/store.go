package tracking

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	project      TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT
);

CREATE TABLE IF NOT EXISTS metrics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	step         INTEGER NOT NULL,
	key          TEXT NOT NULL,
	value        REAL NOT NULL,
	created_at   TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS reports (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	model_label  TEXT NOT NULL,
	data_label   TEXT NOT NULL,
	type_label   TEXT NOT NULL,
	accuracy     REAL NOT NULL,
	macro_f1     REAL NOT NULL,
	binary_f1    REAL NOT NULL,
	body         TEXT,
	created_at   TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region store-struct
// Store keeps tracked runs in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region start-run
// StartRun inserts a new run for project.
func (s *Store) StartRun(project string) (Run, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, project, started_at) VALUES (?, ?, ?)`,
		id, project, s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &storeRun{s: s, id: id}, nil
}

type storeRun struct {
	s  *Store
	id string
}

func (r *storeRun) ID() string { return r.id }

// Log writes every value under one step in a single transaction, keys sorted.
func (r *storeRun) Log(step int, values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := r.s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.s.now().Format(time.RFC3339Nano)
	for _, k := range keys {
		_, err := tx.Exec(
			`INSERT INTO metrics (run_id, step, key, value, created_at) VALUES (?, ?, ?, ?, ?)`,
			r.id, step, k, values[k], now,
		)
		if err != nil {
			return fmt.Errorf("insert metric %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *storeRun) Report(rec ReportRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.s.now()
	}
	_, err := r.s.db.Exec(
		`INSERT INTO reports (run_id, model_label, data_label, type_label, accuracy, macro_f1, binary_f1, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, rec.ModelLabel, rec.DataLabel, rec.TypeLabel,
		rec.Accuracy, rec.MacroF1, rec.BinaryF1,
		nullIfEmpty(rec.Body),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *storeRun) Finish() error {
	res, err := r.s.db.Exec(
		`UPDATE runs SET finished_at = ? WHERE run_id = ?`,
		r.s.now().Format(time.RFC3339Nano), r.id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", r.id)
	}
	return nil
}

// #endregion start-run

// #region queries
// ListRuns returns every run, newest first.
func (s *Store) ListRuns() ([]RunRecord, error) {
	rows, err := s.db.Query(`SELECT run_id, project, started_at, finished_at FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started string
		var finished sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Project, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Metrics returns the points logged for runID in step order.
func (s *Store) Metrics(runID string) ([]MetricPoint, error) {
	rows, err := s.db.Query(
		`SELECT step, key, value, created_at FROM metrics WHERE run_id = ? ORDER BY step, key`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var p MetricPoint
		var created string
		if err := rows.Scan(&p.Step, &p.Key, &p.Value, &created); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reports returns the reports recorded for runID in insertion order.
func (s *Store) Reports(runID string) ([]ReportRecord, error) {
	rows, err := s.db.Query(
		`SELECT model_label, data_label, type_label, accuracy, macro_f1, binary_f1, body, created_at
		 FROM reports WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []ReportRecord
	for rows.Next() {
		var rec ReportRecord
		var body sql.NullString
		var created string
		if err := rows.Scan(&rec.ModelLabel, &rec.DataLabel, &rec.TypeLabel,
			&rec.Accuracy, &rec.MacroF1, &rec.BinaryF1, &body, &created); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		rec.Body = body.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion queries

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
