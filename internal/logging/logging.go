// Package logging builds the slog handler shared by every uvimage command.
//
// Records are rendered by charmbracelet/log. A bootstrap handler is installed
// before flag parsing so early startup records are not lost, and [Configure]
// adjusts level, format and verbosity once the final flags are known.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// Creates the bootstrap handler writing to stderr with the given prefix.
func New(prefix string, level slog.Level) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix: prefix,
		Level:  log.Level(level),
	})
}

// Output settings applied after flag parsing.
type Options struct {
	Level   slog.Level // Minimum level to emit.
	Verbose bool       // Adds timestamps and caller locations.
	Output  io.Writer  // Destination stream. Nil keeps stderr.
}

// Reconfigures the handler in place.
//
// Interactive terminals get the colored text formatter. Anything else (files,
// pipes, CI logs) gets logfmt so records stay machine-parseable.
func Configure(l *log.Logger, opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	l.SetOutput(out)
	l.SetLevel(log.Level(opts.Level))
	l.SetReportTimestamp(opts.Verbose)
	l.SetReportCaller(opts.Verbose && opts.Level <= slog.LevelDebug)
	l.SetTimeFormat(time.TimeOnly)

	if isTerminal(out) {
		l.SetFormatter(log.TextFormatter)
	} else {
		l.SetFormatter(log.LogfmtFormatter)
	}
}

// Whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
