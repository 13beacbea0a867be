package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type LogLevel string

const (
	FatalLevel    = "fatal"
	ErrorLevel    = "error"
	WarningLevel  = "warn"
	InfoLevel     = "info"
	DebugLevel    = "debug"
	TraceLevel    = "trace"
	DisabledLevel = "disabled"
)

var levelmap = map[LogLevel]int{
	TraceLevel:    5,
	DebugLevel:    4,
	InfoLevel:     3,
	WarningLevel:  2,
	ErrorLevel:    1,
	FatalLevel:    0,
	DisabledLevel: -1,
}

func ValidLogLevel(level LogLevel) bool {
	_, ok := levelmap[level]
	return ok
}

func ShouldLog(logLevel, enabled LogLevel) bool {
	if !ValidLogLevel(logLevel) || !ValidLogLevel(enabled) {
		return false
	}
	return levelmap[logLevel] <= levelmap[enabled]
}

// A leveled line logger. Loggers are constructed explicitly and passed
// to components at construction; there is no process-global logger.
type Logger struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	level  LogLevel
	prefix string
}

// Create a new logger writing info and below to stdout,
// warnings and errors to stderr.
func New(level LogLevel) *Logger {
	return NewWithWriters(os.Stdout, os.Stderr, level)
}

func NewWithWriters(stdout, stderr io.Writer, level LogLevel) *Logger {
	if !ValidLogLevel(level) {
		level = InfoLevel
	}
	return &Logger{
		stdout: stdout,
		stderr: stderr,
		level:  level,
	}
}

// Create a logger sharing this logger's writers and level,
// prepending a component prefix to every line.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		stdout: l.stdout,
		stderr: l.stderr,
		level:  l.Level(),
		prefix: prefix,
	}
}

func (l *Logger) SetLevel(level LogLevel) error {
	if !ValidLogLevel(level) {
		return fmt.Errorf("no such log level %s", level)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	return nil
}

func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) println(w io.Writer, level LogLevel, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !ShouldLog(level, l.level) {
		return
	}

	ts := time.Now().Local()
	timeStr := fmt.Sprintf("%s.%03d", ts.Format("2006-01-02 15:04:05"), ts.Nanosecond()/1000000)
	levelStr := fmt.Sprintf("- %5s -", level)

	allArgs := []any{timeStr, levelStr}
	if l.prefix != "" {
		allArgs = append(allArgs, l.prefix)
	}
	allArgs = append(allArgs, args...)
	fmt.Fprintln(w, allArgs...)
}

func (l *Logger) printf(w io.Writer, level LogLevel, format string, args ...any) {
	l.println(w, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Trace(args ...any) {
	l.println(l.stdout, TraceLevel, args...)
}

func (l *Logger) Debug(args ...any) {
	l.println(l.stdout, DebugLevel, args...)
}

func (l *Logger) Info(args ...any) {
	l.println(l.stdout, InfoLevel, args...)
}

func (l *Logger) Warn(args ...any) {
	l.println(l.stderr, WarningLevel, args...)
}

func (l *Logger) Error(args ...any) {
	l.println(l.stderr, ErrorLevel, args...)
}

func (l *Logger) Fatal(args ...any) {
	l.println(l.stderr, FatalLevel, args...)
	debug.PrintStack()
	os.Exit(1)
}

func (l *Logger) Tracef(format string, args ...any) {
	l.printf(l.stdout, TraceLevel, format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.printf(l.stdout, DebugLevel, format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.printf(l.stdout, InfoLevel, format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.printf(l.stderr, WarningLevel, format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.printf(l.stderr, ErrorLevel, format, args...)
}

func (l *Logger) Fatalf(format string, args ...any) {
	l.printf(l.stderr, FatalLevel, format, args...)
	debug.PrintStack()
	os.Exit(1)
}

// Log an error and its unwrapped causes at debug level.
func (l *Logger) DebugError(err error) {
	indent := 1

	l.Debug(err.Error())

	for {
		if err = errors.Unwrap(err); err == nil {
			break
		}

		l.Debugf("| %d: %s", indent, err.Error())
		indent += 1
	}
}

type writeFunc func([]byte) (int, error)

func (fn writeFunc) Write(data []byte) (int, error) {
	return fn(data)
}

// An io.Writer that logs every write as one line at the given level.
func (l *Logger) Writer(level LogLevel) io.Writer {
	return writeFunc(func(data []byte) (int, error) {
		switch level {
		case WarningLevel, ErrorLevel, FatalLevel:
			l.println(l.stderr, level, string(data))
		default:
			l.println(l.stdout, level, string(data))
		}
		return len(data), nil
	})
}
