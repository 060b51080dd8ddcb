package runlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// #region types
// Role names a logger within a run.
type Role string

const (
	RoleTrain Role = "train"
	RoleTest  Role = "test"
)

// StampLayout renders run start times in file names.
const StampLayout = "20060102T150405"

// Identity names one run's log namespace.
type Identity struct {
	ModelLabel string
	DataLabel  string
	Start      time.Time
}

// Stamp returns the start time as used in file names.
func (id Identity) Stamp() string { return id.Start.Format(StampLayout) }

// Options controls where a run writes.
type Options struct {
	LogDir    string
	ReportDir string
	Console   io.Writer // defaults to os.Stdout
	Level     zerolog.Level
	MaxSizeMB int // per-file rotation size; 0 keeps files whole
}

// Context owns the role loggers and report sink of one run. Close releases them.
type Context struct {
	id        Identity
	reportDir string
	loggers   map[Role]zerolog.Logger
	files     map[Role]*lumberjack.Logger
}

// #endregion types

// #region open
// Open creates the train and test loggers for id. Each writes to the console and to
// <LogDir>/<role>_<model>/<role>_<model>_<data>-<stamp>.log.
func Open(id Identity, opts Options) (*Context, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	if opts.ReportDir != "" {
		if err := os.MkdirAll(opts.ReportDir, 0o755); err != nil {
			return nil, fmt.Errorf("report dir: %w", err)
		}
	}

	c := &Context{
		id:        id,
		reportDir: opts.ReportDir,
		loggers:   make(map[Role]zerolog.Logger, 2),
		files:     make(map[Role]*lumberjack.Logger, 2),
	}
	for _, role := range []Role{RoleTrain, RoleTest} {
		path := LogPath(opts.LogDir, role, id)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		file := &lumberjack.Logger{Filename: path, MaxSize: maxSize}
		c.files[role] = file

		w := zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime},
			zerolog.ConsoleWriter{Out: file, TimeFormat: time.DateTime, NoColor: true},
		)
		c.loggers[role] = zerolog.New(w).Level(opts.Level).With().
			Timestamp().
			Str("role", string(role)).
			Str("model", id.ModelLabel).
			Str("data", id.DataLabel).
			Logger()
	}
	return c, nil
}

// LogPath returns the log file path of role for id under dir.
func LogPath(dir string, role Role, id Identity) string {
	model, data := FileLabel(id.ModelLabel), FileLabel(id.DataLabel)
	name := fmt.Sprintf("%s_%s_%s-%s.log", role, model, data, id.Stamp())
	return filepath.Join(dir, fmt.Sprintf("%s_%s", role, model), name)
}

// ReportPath returns the flat report file for one type label (train/test) of id.
func ReportPath(dir, typeLabel string, id Identity) string {
	name := fmt.Sprintf("%s-%s_%s-%s.txt", FileLabel(id.ModelLabel), typeLabel, FileLabel(id.DataLabel), id.Stamp())
	return filepath.Join(dir, name)
}

// FileLabel makes a label usable as one path element. Model ids such as
// "org/model" would otherwise open a subdirectory.
func FileLabel(label string) string {
	return labelReplacer.Replace(label)
}

var labelReplacer = strings.NewReplacer("/", "_", `\`, "_")

// #endregion open

// #region accessors
// Identity returns the run identity the context was opened for.
func (c *Context) Identity() Identity { return c.id }

// Logger returns the logger for role.
func (c *Context) Logger(role Role) *zerolog.Logger {
	l := c.loggers[role]
	return &l
}

// #endregion accessors

// #region report
// Report writes a formatted metrics report to the role logger matching typeLabel and
// appends it to the flat report file.
func (c *Context) Report(typeLabel, text string) error {
	role := RoleTest
	if typeLabel == string(RoleTrain) {
		role = RoleTrain
	}
	l := c.loggers[role]
	l.Info().Str("type", typeLabel).Msg(text)

	if c.reportDir == "" {
		return nil
	}
	f, err := os.OpenFile(ReportPath(c.reportDir, typeLabel, c.id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

// #endregion report

// #region close
// Close flushes and releases every file the context opened.
func (c *Context) Close() error {
	var errs []error
	for _, f := range c.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.files = nil
	return errors.Join(errs...)
}

// #endregion close

// #region process-logger
// InitProcess configures the global zerolog logger used outside any run.
func InitProcess(level string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}).
		With().Timestamp().Str("app", "emobench").Logger()
	return nil
}

// #endregion process-logger
