package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

func New(level string, w io.Writer) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: levelFromString(level),
	})
	return slog.New(handler)
}

// Open returns a logger writing to stdout and, when path is set, appending to
// path. In quiet mode only the file receives records. The returned closer
// must be called once logging is done.
func Open(level, path string, quiet bool) (*slog.Logger, io.Closer, error) {
	if path == "" {
		if quiet {
			return New(level, io.Discard), nopCloser{}, nil
		}
		return New(level, os.Stdout), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(os.Stdout, f)
	}
	return New(level, w), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func levelFromString(lvl string) slog.Leveler {
	switch strings.ToLower(lvl) {
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
