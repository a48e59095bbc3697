// +build windows

// Windows has no syslog; this variant writes leveled lines to stderr
// instead so callers of the logger package don't need a build-tag branch
// of their own.
package logger

import (
	"fmt"
	"os"
)

// Priority mirrors the Unix severity/facility values even though only
// severity is meaningful here.
type Priority = int

// Writer stands in for the syslog connection type on this platform.
type Writer = os.File

// nolint: golint
const (
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

// nolint: golint
const (
	LOG_KERN Priority = iota << 3
	LOG_USER
	LOG_MAIL
	LOG_DAEMON
	LOG_AUTH
	LOG_SYSLOG
	LOG_LPR
	LOG_NEWS
	LOG_UUCP
	LOG_CRON
	LOG_AUTHPRIV
	LOG_FTP
	_ // unused
	_ // unused
	_ // unused
	_ // unused
	LOG_LOCAL0
	LOG_LOCAL1
	LOG_LOCAL2
	LOG_LOCAL3
	LOG_LOCAL4
	LOG_LOCAL5
	LOG_LOCAL6
	LOG_LOCAL7
)

var tag string

// New records the tag used to prefix subsequent lines; flags is accepted
// for API parity with the syslog-backed variant but otherwise unused.
func New(flags Priority, t string) (w *Writer, e error) {
	tag = t
	return os.Stderr, nil
}

func emit(level, s string) error {
	if tag != "" {
		_, err := fmt.Fprintf(os.Stderr, "%s: %s: %s\n", tag, level, s)
		return err
	}
	_, err := fmt.Fprintf(os.Stderr, "%s: %s\n", level, s)
	return err
}

// Close is a no-op on this platform; stderr is never closed.
func Close() error { return nil }

// Emerg logs at LOG_EMERG.
func Emerg(s string) error { return emit("emerg", s) }

// Alert logs at LOG_ALERT.
func Alert(s string) error { return emit("alert", s) }

// Crit logs at LOG_CRIT.
func Crit(s string) error { return emit("crit", s) }

// Err logs at LOG_ERR.
func Err(s string) error { return emit("err", s) }

// Warning logs at LOG_WARNING.
func Warning(s string) error { return emit("warning", s) }

// Notice logs at LOG_NOTICE.
func Notice(s string) error { return emit("notice", s) }

// Info logs at LOG_INFO.
func Info(s string) error { return emit("info", s) }

// Debug logs at LOG_DEBUG.
func Debug(s string) error { return emit("debug", s) }

// Write satisfies io.Writer, sending raw bytes straight to stderr.
func Write(b []byte) (int, error) {
	return os.Stderr.Write(b)
}
