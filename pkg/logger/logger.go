// Package logger wraps log/slog with the module's conventional setup:
// env-driven level, a package-level default logger, and short helper
// functions so call sites don't thread a *slog.Logger everywhere.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Log is the process-wide logger. Set by Init; safe to read concurrently
// once Init has returned.
var Log *slog.Logger

func init() {
	// Usable even if Init is never called (e.g. in tests that only import
	// the package transitively).
	Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Init (re)configures the global logger at the given level ("DEBUG", "INFO",
// "WARN", "ERROR"; unrecognized values fall back to "INFO").
func Init(levelStr string) {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(Log)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
