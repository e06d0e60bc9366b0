package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"roomchat/internal/config"
)

// NewLogger builds the process logger. Text output goes through a
// charmbracelet handler; "json" selects slog's JSON handler.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	if strings.EqualFold(format, "json") {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	return slog.New(handler)
}

// SetupLogging returns the logger described by cfg. When a log file is
// configured, records go to both stderr and the file; the returned closer
// releases the file.
func SetupLogging(cfg config.GeneralConfig) (*slog.Logger, io.Closer, error) {
	if cfg.LogFile == "" {
		return NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return NewLogger(io.MultiWriter(os.Stderr, f), cfg.LogLevel, cfg.LogFormat), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
