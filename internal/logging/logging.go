// Package logging provides the broker's logging seam, following the
// teacher's pattern of wrapping the stdlib logger behind a small
// interface rather than depending on a concrete logging package.
package logging

import "log"

// Logger is the logging contract every broker component depends on.
// Debugf corresponds to the original source's VERBOSE_LEVEL_1 detail
// (e.g. generated callids); Warnf and Errorf correspond to
// LOG_WARNING and LOG_ERROR.
type Logger interface {
	Debugf(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

// StdLogger implements Logger on top of the stdlib log package.
type StdLogger struct {
	Verbose bool
}

// New returns a StdLogger; verbose gates Debugf output.
func New(verbose bool) *StdLogger {
	return &StdLogger{Verbose: verbose}
}

func (l *StdLogger) Debugf(format string, v ...any) {
	if !l.Verbose {
		return
	}
	log.Printf("[debug] "+format, v...)
}

func (l *StdLogger) Warnf(format string, v ...any) {
	log.Printf("[warn] "+format, v...)
}

func (l *StdLogger) Errorf(format string, v ...any) {
	log.Printf("[error] "+format, v...)
}
