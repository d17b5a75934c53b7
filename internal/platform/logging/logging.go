// Package logging builds the structured loggers used by broker processes.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options controls logger construction.
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// New returns an hclog logger configured from opts. Unknown levels fall back
// to info.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            opts.Name,
		Level:           level,
		JSONFormat:      opts.JSON,
		Output:          out,
		IncludeLocation: false,
	})
}

// Discard returns a logger that drops everything. Tests and optional
// collaborators use it as a default.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}

// OrDiscard returns logger, or a null logger when logger is nil.
func OrDiscard(logger hclog.Logger) hclog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
