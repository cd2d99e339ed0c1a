package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig controls rotated log files.
// If Path is empty and Dir is set, the control-plane log goes to Dir/botvisor.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config describes the control-plane logger.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text, json
	Color  bool       `mapstructure:"color"`
	Time   bool       `mapstructure:"time"`
	File   FileConfig `mapstructure:"file"`
}

func (c FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Writer returns the rotated control-plane log file, or nil when no file is configured.
func (c FileConfig) Writer() io.WriteCloser {
	p := c.Path
	if p == "" && c.Dir != "" {
		p = filepath.Join(c.Dir, "botvisor.log")
	}
	if p == "" {
		return nil
	}
	return c.rotated(p)
}

// ContainerWriter returns a rotated writer for a bot's captured container
// output at dir/<name>.container.log. Defaults apply when c is zero.
func (c FileConfig) ContainerWriter(dir, name string) io.WriteCloser {
	return c.rotated(ContainerLogPath(dir, name))
}

// ContainerLogPath is where ContainerWriter writes for dir and name.
func ContainerLogPath(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.container.log", name))
}

// ParseLevel maps a level name to slog.Level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the process logger. Output goes to stderr and, when configured,
// to a rotated file as well. The returned closer releases the file.
func New(c Config) (*slog.Logger, io.Closer) {
	return newWith(c, os.Stderr)
}

func newWith(c Config, console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var closer io.Closer = nopCloser{}
	w := console
	file := c.File.Writer()
	if file != nil {
		closer = file
		w = io.MultiWriter(console, file)
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case c.Color && file == nil:
		h = NewColorTextHandler(w, opts, c.Time)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
