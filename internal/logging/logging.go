// Package logging contains the control plane's internal leveled logger.
// Timestamps are UTC. The default level is Info and can be changed with the
// CCC_LOG_LEVEL environment variable (trace, debug, info, warn, error).
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	levelSilent
)

var (
	level = LevelInfo

	levelNames = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
)

func init() {
	if v := os.Getenv("CCC_LOG_LEVEL"); v != "" {
		if n, ok := parseLevel(v); ok {
			level = n
		}
	}
}

func parseLevel(v string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "silent", "off":
		return levelSilent, true
	}
	return 0, false
}

// SetLevel changes the process-wide log level.
func SetLevel(l int) {
	if l >= LevelTrace && l <= levelSilent {
		level = l
	}
}

// Logger writes timestamped, component-named lines to a single writer.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

// New returns a logger for the named component. A nil out writes to stdout.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{name: name, out: out, callDepth: 4}
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.printf(LevelError, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.printf(LevelWarn, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.printf(LevelInfo, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.printf(LevelDebug, format, a...) }
func (l *Logger) Tracef(format string, a ...interface{}) { l.printf(LevelTrace, format, a...) }

func (l *Logger) printf(lv int, format string, a ...interface{}) {
	if level > lv {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logging: write failed: %v\n", err)
	}
}

func (l *Logger) prefix(lv int) string {
	var buffer [96]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(levelNames[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_, _ = buf.WriteString(" — ")
	return buf.String()
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		return "???:0"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}
