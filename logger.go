package evaluation

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract shared by every component.
// args are key/value pairs.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// FmtLogger writes one plain text line per entry:
//
//	2026-01-02T15:04:05Z INFO  case started component=worker uuid=c1
//
// Bound fields come first in the order they were added. It is the logger
// used when none is injected.
type FmtLogger struct {
	out   io.Writer
	mu    *sync.Mutex
	min   int
	bound []any
}

var levelRank = map[string]int{"TRACE": 0, "DEBUG": 1, "INFO": 2, "WARN": 3, "ERROR": 4, "FATAL": 5}

// NewFmtLogger logs every level to out, or to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	return NewTextLogger(out, "trace")
}

// NewTextLogger drops entries below level.
func NewTextLogger(out io.Writer, level string) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	min, ok := levelRank[strings.ToUpper(strings.TrimSpace(level))]
	if !ok {
		min = levelRank["INFO"]
	}
	return &FmtLogger{out: out, mu: &sync.Mutex{}, min: min}
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write("TRACE", msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write("DEBUG", msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write("INFO", msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write("WARN", msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write("ERROR", msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write("FATAL", msg, args) }

// WithContext is a no-op: the text format carries no request scope.
func (l *FmtLogger) WithContext(context.Context) Logger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	return l
}

// WithFields returns a logger that prefixes every line with fields,
// sorted by key.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cp := *l
	cp.bound = make([]any, 0, len(l.bound)+2*len(keys))
	cp.bound = append(cp.bound, l.bound...)
	for _, k := range keys {
		cp.bound = append(cp.bound, k, fields[k])
	}
	return &cp
}

func (l *FmtLogger) write(level, msg string, args []any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if levelRank[level] < l.min {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	appendPairs(&b, l.bound)
	appendPairs(&b, args)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}

func appendPairs(b *strings.Builder, pairs []any) {
	for i := 0; i < len(pairs); i += 2 {
		if i+1 == len(pairs) {
			fmt.Fprintf(b, " !BADKEY=%s", formatValue(pairs[i]))
			return
		}
		fmt.Fprintf(b, " %v=%s", pairs[i], formatValue(pairs[i+1]))
	}
}

func formatValue(v any) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// NewGlogLogger adapts a go-logger instance to Logger.
func NewGlogLogger(base glog.Logger) Logger {
	if base == nil {
		return NewFmtLogger(nil)
	}
	return glogLogger{logger: base}
}

// NewJSONLogger builds a go-logger JSON logger writing to w at level.
func NewJSONLogger(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stdout
	}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	return NewGlogLogger(glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	))
}

type glogLogger struct {
	logger glog.Logger
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// NormalizeLogger returns logger, or a stdout FmtLogger when nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields decorates logger with fields when it supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
