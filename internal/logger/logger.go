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

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes how the proxy logs its own diagnostics.
type Config struct {
	Level    string     `mapstructure:"level"`  // debug, info, warn, error
	Format   string     `mapstructure:"format"` // text or json
	Color    bool       `mapstructure:"color"`  // ANSI level colors for text format
	ShowTime bool       `mapstructure:"show_time"`
	File     FileConfig `mapstructure:"file"`
}

// FileConfig describes rotated log files.
// Path receives the proxy's own log. For gateway output, if StdoutPath/StderrPath
// are empty and Dir is set, files will be Dir/<name>.stdout.log and
// Dir/<name>.stderr.log. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// New builds a slog.Logger from cfg. When cfg.File.Path is set, records are
// written to both stderr and the rotated file; the returned closer releases it.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := cfg.File.rotating(cfg.File.Path)
		w = io.MultiWriter(os.Stderr, fw)
		closer = fw
	}
	return slog.New(NewHandler(w, cfg, level)), closer, nil
}

// NewHandler returns the slog.Handler selected by cfg.Format.
func NewHandler(w io.Writer, cfg Config, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		if !cfg.ShowTime {
			opts.ReplaceAttr = dropTime
		}
		if cfg.Color {
			return NewColorTextHandler(w, opts, cfg.ShowTime)
		}
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Writers returns io.WriteClosers for stdout and stderr of the named gateway process.
// Either may be nil when no destination is configured.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

// Enabled reports whether any gateway output destination is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
