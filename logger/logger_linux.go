// +build linux darwin freebsd openbsd netbsd

// Package logger wraps the platform syslog facility so the rest of the
// core can log at a fixed severity set without caring whether it is
// running under a real syslog daemon or (on Windows) stderr.
package logger

import (
	sl "log/syslog"
)

// Priority is the logger severity/facility value.
type Priority = sl.Priority

// Writer is the underlying syslog connection.
type Writer = sl.Writer

// nolint: golint
const (
	// Severity, from /usr/include/sys/syslog.h — same across Linux/BSD/macOS.
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
	// Facility.
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

var l *sl.Writer

// New opens (or replaces) the process-wide syslog connection used by the
// Log* helpers below.
func New(flags Priority, tag string) (w *Writer, e error) {
	w, e = sl.New(flags, tag)
	l = w
	return w, e
}

// Close releases the syslog connection.
func Close() error {
	if l != nil {
		return l.Close()
	}
	return nil
}

// Emerg logs at LOG_EMERG.
func Emerg(s string) error {
	if l != nil {
		return l.Emerg(s)
	}
	return nil
}

// Alert logs at LOG_ALERT.
func Alert(s string) error {
	if l != nil {
		return l.Alert(s)
	}
	return nil
}

// Crit logs at LOG_CRIT.
func Crit(s string) error {
	if l != nil {
		return l.Crit(s)
	}
	return nil
}

// Err logs at LOG_ERR.
func Err(s string) error {
	if l != nil {
		return l.Err(s)
	}
	return nil
}

// Warning logs at LOG_WARNING.
func Warning(s string) error {
	if l != nil {
		return l.Warning(s)
	}
	return nil
}

// Notice logs at LOG_NOTICE.
func Notice(s string) error {
	if l != nil {
		return l.Notice(s)
	}
	return nil
}

// Info logs at LOG_INFO.
func Info(s string) error {
	if l != nil {
		return l.Info(s)
	}
	return nil
}

// Debug logs at LOG_DEBUG.
func Debug(s string) error {
	if l != nil {
		return l.Debug(s)
	}
	return nil
}

// Write sends raw bytes at the default level the connection was opened
// with, satisfying io.Writer for use as a log.Logger output.
func Write(b []byte) (int, error) {
	if l != nil {
		return l.Write(b)
	}
	return len(b), nil
}
