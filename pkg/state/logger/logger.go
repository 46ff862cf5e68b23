package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var Log *slog.Logger

var (
	sinkMu sync.Mutex
	sink   *os.File
)

// ParseLevel maps a config level string onto a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Init installs the package logger. When logsDir is non-empty records are
// written as JSON to logsDir/chillspace.log, otherwise as text to stderr so
// they do not interleave with command output on stdout.
func Init(level string, logsDir string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if logsDir == "" {
		Log = slog.New(slog.NewTextHandler(os.Stderr, opts))
		return
	}
	f, err := openSink(logsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		Log = slog.New(slog.NewTextHandler(os.Stderr, opts))
		return
	}
	Log = slog.New(slog.NewJSONHandler(f, opts))
}

// InitWriter installs a text logger writing to w. Tests use it to capture
// output.
func InitWriter(level string, w io.Writer) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func openSink(logsDir string) (*os.File, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if sink != nil {
		_ = sink.Close()
		sink = nil
	}
	fname := filepath.Join(logsDir, "chillspace.log")
	if fi, err := os.Stat(fname); err == nil {
		const maxSize = 10 * 1024 * 1024
		if fi.Size() > maxSize {
			bak := fname + "." + fi.ModTime().UTC().Format("20060102T150405Z")
			_ = os.Rename(fname, bak)
		}
	}
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sink = f
	return f, nil
}

// Sync flushes and closes the file sink if one is attached.
func Sync() {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if sink != nil {
		_ = sink.Sync()
		_ = sink.Close()
		sink = nil
	}
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}
