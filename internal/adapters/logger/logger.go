// Package logger implements ports.Logger on logrus with optional
// size-bounded file rotation.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level and destinations.
type Config struct {
	// Level: debug, info, warn, error. Unknown values default to info.
	Level string
	// OutputFile enables file logging with rotation when non-empty; console
	// output stays on either way.
	OutputFile string
	// MaxSizeMB is the rotation threshold per log file. Default 10.
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep. Default 5.
	MaxBackups int
	// MaxAgeDays drops rotated files older than this. Default 7.
	MaxAgeDays int
}

// Logger implements the ports.Logger interface using logrus.
type Logger struct {
	log *logrus.Logger
}

// ParseLevel converts a string level to a logrus level, defaulting to Info.
func ParseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New builds a logger from config. File setup failures fall back to
// console-only logging rather than aborting startup.
func New(cfg Config) *Logger {
	l := logrus.New()
	l.SetLevel(ParseLevel(cfg.Level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	out := io.Writer(os.Stderr)
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
			l.WithError(err).Warn("Log directory unavailable, console-only logging")
		} else {
			maxSize := cfg.MaxSizeMB
			if maxSize <= 0 {
				maxSize = 10
			}
			maxBackups := cfg.MaxBackups
			if maxBackups <= 0 {
				maxBackups = 5
			}
			maxAge := cfg.MaxAgeDays
			if maxAge <= 0 {
				maxAge = 7
			}
			out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   cfg.OutputFile,
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				MaxAge:     maxAge,
				Compress:   true,
			})
		}
	}
	l.SetOutput(out)
	return &Logger{log: l}
}

func mergeFields(fields []map[string]interface{}) logrus.Fields {
	if len(fields) == 0 {
		return nil
	}
	merged := logrus.Fields{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log.WithFields(mergeFields(fields)).Debug(msg)
}

// Info logs a message at Info level.
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log.WithFields(mergeFields(fields)).Info(msg)
}

// Warn logs a message at Warning level.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log.WithFields(mergeFields(fields)).Warn(msg)
}

// Error logs an error message at Error level.
func (l *Logger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	entry := l.log.WithFields(mergeFields(fields))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}
