// Package logger provides the structured logging wrapper shared by every
// StormStack binary and long-lived component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on our type, not logrus
// directly, while still getting the full logrus.Entry API via embedding.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls level/format/output for a Logger.
type Config struct {
	Level     string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format    string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output    string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	Component string `json:"-" yaml:"-"`
}

// New builds a Logger from cfg. Unknown levels fall back to Info; unknown
// formats fall back to text.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if strings.ToLower(cfg.Output) == "discard" {
		l.SetOutput(io.Discard)
	} else {
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l, component: cfg.Component}
}

// NewDefault returns an info-level, text-formatted logger tagged with name.
// It is the fallback used by components that accept a nil *Logger.
func NewDefault(name string) *Logger {
	return New(Config{Level: "info", Format: "text", Output: "stdout", Component: name})
}

// WithField returns a log entry annotated with key/value plus the logger's
// component name, if set.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	entry := l.Logger.WithField(key, value)
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	return entry
}

// WithFields returns a log entry annotated with fields plus the component name.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	entry := l.Logger.WithFields(fields)
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	return entry
}

// WithError returns a log entry annotated with err plus the component name.
func (l *Logger) WithError(err error) *logrus.Entry {
	entry := l.Logger.WithField("error", err)
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	return entry
}
