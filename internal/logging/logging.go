// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects level and output format.
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// New returns a logger writing to w (stderr when nil).
func New(cfg Config, w io.Writer) (*logrus.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(w)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}
	return log, nil
}

// Discard returns a logger that drops everything. Components fall back to it
// when no logger is injected.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
