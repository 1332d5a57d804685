// Package obslog is qwormhole's structured logging seam. The teacher's
// own examples only reach for the standard log package, so this follows
// kstaniek-go-ampio-server/internal/logging instead: a package-level
// atomic *slog.Logger plus a constructor choosing a text or JSON handler.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New builds a logger at the given level ("debug", "info", "warn",
// "error") writing format ("text" or "json") to w (defaults to stderr).
func New(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
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

// Conn returns a logger scoped to one connection, tagging every line
// with the connection's id and remote address, as cmd/qwormhole-echo/server
// does for its per-connection log lines.
func Conn(connID, remote string) *slog.Logger {
	return L().With("conn", connID, "remote", remote)
}
