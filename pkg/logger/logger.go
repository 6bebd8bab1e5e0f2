// Package logger builds per-component logrus loggers sharing one output and level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorBlue    = 34
	colorMagenta = 35
	colorCyan    = 36
	colorWhite   = 37
)

type componentFormatter struct {
	log.TextFormatter
	component string
	color     bool
}

func levelColor(l log.Level) int {
	switch l {
	case log.TraceLevel:
		return colorCyan
	case log.DebugLevel:
		return colorBlue
	case log.WarnLevel:
		return colorYellow
	case log.ErrorLevel:
		return colorRed
	case log.FatalLevel, log.PanicLevel:
		return colorMagenta
	default:
		return colorGreen
	}
}

func (f *componentFormatter) Format(entry *log.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	var fields strings.Builder
	for k, v := range entry.Data {
		fmt.Fprintf(&fields, " %s=%v", k, v)
	}
	ts := entry.Time.Format(f.TimestampFormat)
	if !f.color {
		return []byte(fmt.Sprintf("[%s] %s %s - %s%s\n", ts, f.component, level, entry.Message, fields.String())), nil
	}
	return []byte(fmt.Sprintf("\x1b[%dm[%s]\x1b[0m\x1b[%dm %s ▶ %s \x1b[0m- %s%s\n",
		colorWhite, ts, levelColor(entry.Level), f.component, level, entry.Message, fields.String())), nil
}

// Logger holds the shared sink; GetLogger derives component loggers from it.
type Logger struct {
	out   io.Writer
	level log.Level
	color bool
}

// GetLogger returns a logger whose lines are tagged with component.
func (l *Logger) GetLogger(component string) *log.Logger {
	base := log.New()
	base.Formatter = &componentFormatter{
		TextFormatter: log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"},
		component:     component,
		color:         l.color,
	}
	base.Out = l.out
	base.Level = l.level
	return base
}

// New opens the log sink. An empty path logs to stdout with colors,
// disable discards everything.
func New(path string, level string, disable bool) (*Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if disable {
		return &Logger{out: io.Discard, level: lvl}, nil
	}
	if path == "" {
		return &Logger{out: os.Stdout, level: lvl, color: true}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("logger: failed to create log file: %v", err)
	}
	return &Logger{out: f, level: lvl}, nil
}

// Discard returns a silent logger, handy for tests and optional dependencies.
func Discard() *log.Logger {
	l := log.New()
	l.Out = io.Discard
	return l
}
