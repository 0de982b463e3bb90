// Package logger wires the process-wide structured loggers. The daemon
// keeps two streams: a general slog logger for runtime diagnostics and a
// dedicated audit logger that records dispatch and callback activity to a
// size-rotated file.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config selects the level, encoding and sinks for the runtime logger.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig configures the rotated audit trail. When disabled, audit
// records fall through to the runtime logger.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	runtimeLogger *slog.Logger
	auditLogger   *slog.Logger
	setupOnce     sync.Once
	sinkClosers   []io.Closer
	setupErr      error
)

// Init builds the global loggers. Only the first call takes effect;
// later calls return the outcome of the first.
func Init(cfg Config) error {
	setupOnce.Do(func() {
		opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: true}

		sink, err := combineSinks(cfg.OutputPaths)
		if err != nil {
			setupErr = err
			return
		}
		if strings.EqualFold(cfg.Format, "text") {
			runtimeLogger = slog.New(slog.NewTextHandler(sink, opts))
		} else {
			runtimeLogger = slog.New(slog.NewJSONHandler(sink, opts))
		}

		auditLogger = runtimeLogger
		if cfg.Audit.Enabled {
			trail, err := openAuditTrail(cfg.Audit)
			if err != nil {
				setupErr = err
				return
			}
			auditLogger = trail
		}
	})
	if setupErr != nil {
		return setupErr
	}
	if runtimeLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func combineSinks(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		writer, closer, err := resolveSink(path)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			sinkClosers = append(sinkClosers, closer)
		}
		writers = append(writers, writer)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func resolveSink(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

// openAuditTrail always encodes JSON at info level regardless of the
// runtime logger settings, so the trail stays machine-parseable.
func openAuditTrail(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	trail, err := openRollingFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	sinkClosers = append(sinkClosers, trail)
	return slog.New(slog.NewJSONHandler(trail, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the runtime logger, initialising defaults on first use.
func L() *slog.Logger {
	if runtimeLogger == nil {
		_ = Init(Config{})
	}
	return runtimeLogger
}

// Audit returns the audit trail logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Named returns a child logger scoped to a component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync closes every file-backed sink opened during Init.
func Sync() error {
	var err error
	for _, closer := range sinkClosers {
		err = errors.Join(err, closer.Close())
	}
	sinkClosers = nil
	return err
}
