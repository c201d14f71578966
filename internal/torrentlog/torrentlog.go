// Package torrentlog provides the bracketed-tag log lines used across the
// client ([INFO], [WARN], [FAIL], [ERROR]) plus colorized status lines for
// the handful of events a user watching the terminal actually cares about.
package torrentlog

import (
	"fmt"
	"log"

	"github.com/mitchellh/colorstring"
)

// --------------------------------------------------------------------------------------------- //

/*
Info logs an informational line tagged [INFO].

Parameters:
  - format: printf-style format string.
  - args: arguments for format.
*/
func Info(format string, args ...interface{}) {
	log.Printf("[INFO]\t"+format, args...)
}

// --------------------------------------------------------------------------------------------- //

/*
Warn logs a recoverable-condition line tagged [WARN].

Parameters:
  - format: printf-style format string.
  - args: arguments for format.
*/
func Warn(format string, args ...interface{}) {
	log.Printf("[WARN]\t"+format, args...)
}

// --------------------------------------------------------------------------------------------- //

/*
Fail logs a per-peer or per-piece failure tagged [FAIL]. Never fatal.

Parameters:
  - format: printf-style format string.
  - args: arguments for format.
*/
func Fail(format string, args ...interface{}) {
	log.Printf("[FAIL]\t"+format, args...)
}

// --------------------------------------------------------------------------------------------- //

/*
Error logs a torrent-wide error line tagged [ERROR].

Parameters:
  - format: printf-style format string.
  - args: arguments for format.
*/
func Error(format string, args ...interface{}) {
	log.Printf("[ERROR]\t"+format, args...)
}

// --------------------------------------------------------------------------------------------- //

/*
Status prints a colorized, user-facing status line for a noteworthy
download event (peer connected, piece verified, piece corrupt). Unlike
Info/Warn/Fail/Error it carries no bracketed tag; the line is wrapped in
colorstring color codes and written through the same standard logger.

Parameters:
  - color: a colorstring color name ("green", "yellow", "red", ...).
  - format: printf-style format string.
  - args: arguments for format.
*/
func Status(color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	line := colorstring.Color("[" + color + "]" + msg + "[reset]")
	log.Print(line)
}
