package gologger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// levelTrace sits below slog's debug level.
const levelTrace = slog.Level(-8)

// SlogLogger is a glog logger, fields logger and provider backed by slog.
type SlogLogger struct {
	base   *slog.Logger
	ctx    context.Context
	name   string
	fields map[string]any
	exit   func(int)
}

// New builds a logger writing to w. Unknown formats fall back to JSON and
// unknown levels to info.
func New(w io.Writer, level string, format string) *SlogLogger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), FormatText) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{base: slog.New(handler), exit: os.Exit}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return levelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogLogger) Trace(msg string, args ...any) { l.log(levelTrace, msg, args) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *SlogLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l *SlogLogger) Fatal(msg string, args ...any) {
	l.log(slog.LevelError, msg, args)
	if l.exit != nil {
		l.exit(1)
	}
}

func (l *SlogLogger) WithContext(ctx context.Context) glog.Logger {
	clone := *l
	clone.ctx = ctx
	return &clone
}

// WithFields returns a logger carrying fields on every record. A key also
// passed as a call argument is written once, with the argument's value.
func (l *SlogLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make(map[string]any, len(l.fields)+len(fields))
	for key, value := range l.fields {
		merged[key] = value
	}
	for key, value := range fields {
		merged[key] = value
	}
	clone := *l
	clone.fields = merged
	return &clone
}

// GetLogger returns a child logger tagged with the component name.
func (l *SlogLogger) GetLogger(name string) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" || name == l.name {
		return l
	}
	clone := *l
	clone.name = name
	clone.base = l.base.With("logger", name)
	return &clone
}

func (l *SlogLogger) log(level slog.Level, msg string, args []any) {
	if l == nil || l.base == nil {
		return
	}
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.base.Enabled(ctx, level) {
		return
	}
	l.base.Log(ctx, level, msg, l.withFields(normalizeArgs(args))...)
}

func (l *SlogLogger) withFields(args []any) []any {
	if len(l.fields) == 0 {
		return args
	}
	seen := make(map[string]struct{}, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(l.fields))
	for key := range l.fields {
		if _, dup := seen[key]; !dup {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2+len(args))
	for _, key := range keys {
		out = append(out, key, l.fields[key])
	}
	return append(out, args...)
}

// normalizeArgs keeps errors readable in JSON output.
func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if err, ok := arg.(error); ok && err != nil {
			out[i] = err.Error()
			continue
		}
		out[i] = arg
	}
	if len(out)%2 == 1 {
		out = append(out[:len(out)-1], "extra", fmt.Sprint(out[len(out)-1]))
	}
	return out
}

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

var (
	_ glog.Logger         = (*SlogLogger)(nil)
	_ glog.FieldsLogger   = (*SlogLogger)(nil)
	_ glog.LoggerProvider = (*SlogLogger)(nil)
)
