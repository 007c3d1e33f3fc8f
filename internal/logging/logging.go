// Package logging configures the process-wide structured logger.
//
// codeindex logs exclusively through log/slog, matching the ambient stack
// of its teacher: a text handler for interactive terminals, a JSON handler
// otherwise, with the level controlled by Config.Level (see
// internal/config's log_level).
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config controls process-wide logging.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// JSON forces JSON output regardless of whether Output is a terminal.
	JSON bool
}

// DefaultConfig returns the default logging configuration (info level,
// stderr, handler chosen by terminal detection).
func DefaultConfig() Config {
	return Config{Level: "info", Output: os.Stderr}
}

// Setup builds a slog.Logger from cfg and installs it as the process
// default. Returns the logger so callers needing an explicit reference
// (rather than slog's package-level functions) can use it directly.
func Setup(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.JSON || !isTerminal(out) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel converts a configuration string to a slog.Level.
func ParseLevel(level string) slog.Level {
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DefaultBasePath returns the default base_path for persisted state
// (storage.base_path in spec.md §6), ~/.codeindex.
func DefaultBasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".codeindex")
	}
	return filepath.Join(home, ".codeindex")
}
