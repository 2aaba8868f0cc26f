package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/eddyem/canserver/internal/logging"
)

// setupLogger builds the process logger. Verbosity starts at errors
// and each -verbose raises it one level.
func setupLogger(format string, verbose int, logfile string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	switch {
	case verbose <= 0:
		lvl = slog.LevelError
	case verbose == 1:
		lvl = slog.LevelWarn
	case verbose == 2:
		lvl = slog.LevelInfo
	default:
		lvl = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	cleanup := func() {}
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open logfile: %w", err)
		}
		w = f
		cleanup = func() { _ = f.Close() }
	}
	l := logging.New(format, lvl, w).With("app", "can-server")
	logging.Set(l)
	return l, cleanup, nil
}
