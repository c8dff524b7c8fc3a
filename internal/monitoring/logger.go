// Package monitoring holds the service-wide diagnostic logger. Callers
// prefix each line with their component tag ([lifecycle], [capture],
// [api], [security]) so a single stream stays greppable.
package monitoring

import "log"

// Logf is the package-level logger, swappable so tests can capture or
// mute output. Defaults to log.Printf.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. A nil f installs a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}
