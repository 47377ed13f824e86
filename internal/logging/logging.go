package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

func init() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Logger returns the process-wide structured logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger overrides the global logger (useful for tests or custom sinks).
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// DiscardLogging routes logs to /dev/null while preserving structured handler semantics.
func DiscardLogging() {
	SetLogger(slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Configure installs a logger writing to w with the given level ("debug",
// "info", "warn", "error") and format ("json" or "text"). Unknown values fall
// back to info/json.
func Configure(w io.Writer, level, format string) {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	SetLogger(slog.New(h))
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns the global logger tagged with a component key.
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}
