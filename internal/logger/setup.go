package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the supervisor's own log output.
type Options struct {
	Level      string `json:"level" mapstructure:"level" yaml:"level"`
	Format     string `json:"format" mapstructure:"format" yaml:"format"` // text, json or color
	File       string `json:"file" mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days" yaml:"max_age_days"`
}

// ParseLevel maps debug/info/warn/error to slog levels.
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
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ValidFormat reports whether f names a supported handler.
func ValidFormat(f string) bool {
	switch strings.ToLower(f) {
	case "", "text", "json", "color":
		return true
	}
	return false
}

// New builds a logger writing to stderr and, when File is set, to a rotating
// file as well. The returned closer releases the file.
func New(o Options) (*slog.Logger, io.Closer, error) {
	return newWith(o, os.Stderr)
}

func newWith(o Options, console io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(o.Level)
	if err != nil {
		return nil, nil, err
	}
	if !ValidFormat(o.Format) {
		return nil, nil, fmt.Errorf("unknown log format %q", o.Format)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var closer io.Closer = nopCloser{}
	w := console
	if o.File != "" {
		if err := ensureDir(o.File); err != nil {
			return nil, nil, err
		}
		f := &lj.Logger{
			Filename:   o.File,
			MaxSize:    valOr(o.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(o.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(o.MaxAgeDays, DefaultMaxAgeDays),
		}
		closer = f
		w = io.MultiWriter(console, newFallback("supervisor", f, io.Discard))
	}

	var h slog.Handler
	switch strings.ToLower(o.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// Setup installs New(o) as the slog default.
func Setup(o Options) (io.Closer, error) {
	l, c, err := New(o)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return c, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
