// Package ops provides the structured logging conventions shared by every
// pipeline stage: stage name and resource name are always carried as fields
// rather than interpolated into the message, matching how the rest of the
// pipeline correlates log lines across a cycle.
package ops

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how the pipeline logs.
type Config struct {
	// Level is one of "trace", "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "text".
	Format string
	// FilePath, if non-empty, additionally writes rotated log files here.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds a *log.Logger configured per cfg. It never returns nil;
// unrecognized level/format values fall back to info/text so that a
// misconfigured log stanza cannot itself prevent startup.
func NewLogger(cfg Config) *log.Logger {
	var logger = log.New()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if cfg.FilePath != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		})
	}
	logger.SetOutput(out)

	return logger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ForStage returns an entry pre-tagged with the stage name, the unit all
// pipeline components log through.
func ForStage(logger *log.Logger, stage string) *log.Entry {
	return logger.WithField("stage", stage)
}

// ForResource further tags an entry with the resource it concerns.
func ForResource(entry *log.Entry, resource string) *log.Entry {
	return entry.WithField("resource", resource)
}
