// Package logging gives every component a bracket-tagged *log.Logger, the
// convention the rest of the codebase's signaling and SFU paths use
// ([SFU], [HTE], [MLM], ...) instead of reaching for a structured logger.
package logging

import (
	"fmt"
	"log"
	"os"
	"sort"
)

// Logger wraps the standard library logger with a fixed bracket tag and
// helpers for the key=value suffix style used across this module.
type Logger struct {
	tag string
	std *log.Logger
}

// New returns a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger {
	return &Logger{tag: tag, std: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) format(msg string, fields map[string]any) string {
	if len(fields) == 0 {
		return fmt.Sprintf("[%s] %s", l.tag, msg)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := fmt.Sprintf("[%s] %s |", l.tag, msg)
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	return out
}

// Info logs an informational line with optional key=value fields.
func (l *Logger) Info(msg string, fields map[string]any) {
	l.std.Print(l.format(msg, fields))
}

// Error logs an error line, folding err into the field set as "err".
func (l *Logger) Error(msg string, err error, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if err != nil {
		fields["err"] = err
	}
	l.std.Print(l.format(msg, fields))
}

// Warn logs a warning line.
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.std.Print(l.format("WARN "+msg, fields))
}

// With returns a child Logger scoped under "tag:sub".
func (l *Logger) With(sub string) *Logger {
	return &Logger{tag: l.tag + ":" + sub, std: l.std}
}
