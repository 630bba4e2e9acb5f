// Package log wires github.com/charmbracelet/log into the conventions used
// across this repository: every long-lived component holds a *log.Logger
// tagged with its own prefix, the same shape as client2's
// "arqlog := mylog.WithPrefix("_ARQ_")".
package log

import (
	"io"
	"os"

	charm "github.com/charmbracelet/log"
)

// New returns the process-wide root logger, writing to w (os.Stderr when w
// is nil) with timestamps enabled.
func New(w io.Writer) *charm.Logger {
	if w == nil {
		w = os.Stderr
	}
	return charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05.000",
	})
}

// WithPrefix returns a child logger tagged with prefix, e.g.
// log.WithPrefix(root, "listener").
func WithPrefix(l *charm.Logger, prefix string) *charm.Logger {
	return l.WithPrefix(prefix)
}
