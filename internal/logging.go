package internal

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger logs as text to stderr, or as JSON to a rotated file when one
// is configured. The returned func closes the file.
func newLogger(cfg ApplicationConfig, stderr io.Writer) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFile.Path == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile.Path,
		MaxSize:    cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAgeDays,
	}
	return slog.New(slog.NewJSONHandler(lj, opts)), func() { _ = lj.Close() }
}
