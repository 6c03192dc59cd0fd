// Package logging implements the glog.Logger contract with the line format
// used across replyq: "RFC3339 LEVEL component: message key=value ...".
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "INFO"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled lines through a std *log.Logger.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
	exit      func(int)
}

var _ glog.Logger = (*Logger)(nil)

// New returns a logger writing to w. A nil w writes to stderr.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		out:   log.New(w, "", 0),
		level: level,
		now:   time.Now,
		exit:  os.Exit,
	}
}

// Named returns a copy of l tagged with component.
func (l *Logger) Named(component string) *Logger {
	cp := *l
	cp.component = component
	return &cp
}

func (l *Logger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args) }
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }

func (l *Logger) Fatal(msg string, args ...any) {
	l.log(LevelFatal, msg, args)
	l.exit(1)
}

// WithContext returns l unchanged; replyq carries no request-scoped fields.
func (l *Logger) WithContext(context.Context) glog.Logger { return l }

func (l *Logger) log(level Level, msg string, args []any) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(l.now().UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteByte(' ')
	if l.component != "" {
		b.WriteString(l.component)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	writeFields(&b, args)
	l.out.Print(b.String())
}

func writeFields(b *strings.Builder, args []any) {
	for i := 0; i < len(args); i += 2 {
		b.WriteByte(' ')
		if i+1 >= len(args) {
			fmt.Fprintf(b, "extra=%v", args[i])
			break
		}
		fmt.Fprintf(b, "%v=%s", args[i], quoteIfNeeded(fmt.Sprint(args[i+1])))
	}
}

func quoteIfNeeded(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		return fmt.Sprintf("%q", v)
	}
	return v
}
