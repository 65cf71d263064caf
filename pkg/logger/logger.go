// Package logger provides the small leveled logger used throughout the
// rpc/proxy stack. It wraps the standard library's log.Logger instead of
// pulling in a structured logging dependency, matching the rest of the
// ambient stack.
package logger

import (
	"log"
	"os"
)

// Logger is a tagged set of stdlib loggers at four levels.
type Logger struct {
	prefix string
	info   *log.Logger
	warn   *log.Logger
	error  *log.Logger
	debug  *log.Logger
}

var Default = New()

func New() *Logger {
	return newWithPrefix("")
}

func newWithPrefix(prefix string) *Logger {
	tag := prefix
	if tag != "" {
		tag = "[" + tag + "] "
	}
	return &Logger{
		prefix: prefix,
		info:   log.New(os.Stdout, tag+"[INFO] ", log.LstdFlags),
		warn:   log.New(os.Stderr, tag+"[WARN] ", log.LstdFlags),
		error:  log.New(os.Stderr, tag+"[ERROR] ", log.LstdFlags),
		debug:  log.New(os.Stdout, tag+"[DEBUG] ", log.LstdFlags),
	}
}

// WithPrefix returns a logger that tags every line with component, the way
// the proxy/connection/forward packages each want their own identity in the
// log stream.
func WithPrefix(component string) *Logger {
	return newWithPrefix(component)
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.warn.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.debug.Printf(format, v...)
}

func Info(format string, v ...any)  { Default.Info(format, v...) }
func Warn(format string, v ...any)  { Default.Warn(format, v...) }
func Error(format string, v ...any) { Default.Error(format, v...) }
func Debug(format string, v ...any) { Default.Debug(format, v...) }
