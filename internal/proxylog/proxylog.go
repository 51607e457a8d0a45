// Package proxylog implements the single-line, space-separated event log
// the proxy writes for every noteworthy thing that happens during a
// session: accepted requests, upstream fetches and their outcomes,
// blocked hosts, and archive write failures.
//
// Grounded on the teacher's vprintf/log.Printf convention
// (cmd/go-cache-plugin/go-cache-plugin.go): plain stdlib log, gated by a
// verbose flag for INFO-level chatter, with every line serialized under
// one mutex so concurrent request-handling goroutines never interleave
// partial lines (see spec.md 9, "the only process-wide state is the log
// writer which must serialize whole lines under a single lock").
package proxylog

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Event names spec.md 7 requires to be loggable.
const (
	Fatal             = "FATAL"
	Error             = "ERROR"
	Info              = "INFO"
	Accept            = "ACCEPT"
	Redirect          = "REDIRECT"
	Download          = "DOWNLOAD"
	DownloadOmitted   = "DOWNLOAD_OMITTED"
	DownloadFinished  = "DOWNLOAD_FINISHED"
	DownloadFailed    = "DOWNLOAD_FAILED"
	DownloadBlocked   = "DOWNLOAD_BLOCKED"
	Served            = "SERVED"
	WritingFailed     = "WRITING_FAILED"
)

// Logger serializes event lines to an underlying writer. The zero value
// logs to the standard logger's output and suppresses Info events.
type Logger struct {
	mu      sync.Mutex
	out     *log.Logger
	Verbose bool
}

// New returns a Logger writing to w with the given verbosity.
func New(w io.Writer, verbose bool) *Logger {
	return &Logger{out: log.New(w, "", log.LstdFlags), Verbose: verbose}
}

func (l *Logger) logger() *log.Logger {
	if l.out == nil {
		return log.Default()
	}
	return l.out
}

// Event writes one log line: "<EVENT> arg1 arg2 ...". Info events are
// dropped unless Verbose is set.
func (l *Logger) Event(event string, args ...any) {
	if event == Info && !l.Verbose {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger().Print(formatLine(event, args))
}

func formatLine(event string, args []any) string {
	line := event
	for _, a := range args {
		line += " " + fmt.Sprint(a)
	}
	return line
}

// Fatalf logs a FATAL event and is meant to precede os.Exit(1) at the
// call site; it does not exit itself so callers retain control of
// shutdown ordering.
func (l *Logger) Fatalf(format string, args ...any) {
	l.Event(Fatal, fmt.Sprintf(format, args...))
}
