// Package logger provides the per-service output writers and the supervisor's
// own slog setup.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, lumberjack units.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where a service's stdout/stderr go.
//
// File (default "<name>.log") under Dir receives both streams. StdoutPath and
// StderrPath, when set, split them instead.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir" yaml:"dir"`
	File       string `json:"file" mapstructure:"file" yaml:"file"`
	StdoutPath string `json:"stdout" mapstructure:"stdout" yaml:"stdout,omitempty"`
	StderrPath string `json:"stderr" mapstructure:"stderr" yaml:"stderr,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress" yaml:"compress"`
}

// Enabled reports whether any destination is configured.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.File != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Paths resolves the stdout and stderr destinations for name. Both are equal
// when the streams are combined.
func (c Config) Paths(name string) (string, string) {
	if c.StdoutPath != "" || c.StderrPath != "" {
		out, errp := c.StdoutPath, c.StderrPath
		if out == "" {
			out = errp
		}
		if errp == "" {
			errp = out
		}
		return out, errp
	}
	file := c.File
	if file == "" {
		file = name + ".log"
	}
	if !filepath.IsAbs(file) && c.Dir != "" {
		file = filepath.Join(c.Dir, file)
	}
	return file, file
}

// Writers returns rotating writers for name. Writes never fail: if the log
// file cannot be written, output is diverted to os.Stderr and a warning is
// logged once. Combined streams share one writer.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if !c.Enabled() {
		return nil, nil, nil
	}
	outPath, errPath := c.Paths(name)
	if err := ensureDir(outPath); err != nil {
		return nil, nil, err
	}
	out := newFallback(name, c.rotating(outPath), os.Stderr)
	if errPath == outPath {
		return out, &sharedCloser{out}, nil
	}
	if err := ensureDir(errPath); err != nil {
		return nil, nil, err
	}
	return out, newFallback(name, c.rotating(errPath), os.Stderr), nil
}

// AppendFiles opens plain append-mode files for name. These are handed to the
// child directly so it keeps writing after the supervisor exits.
func (c Config) AppendFiles(name string) (*os.File, *os.File, error) {
	outPath, errPath := c.Paths(name)
	out, err := openAppend(outPath)
	if err != nil {
		return nil, nil, err
	}
	if errPath == outPath {
		return out, out, nil
	}
	errf, err := openAppend(errPath)
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return out, errf, nil
}

func openAppend(path string) (*os.File, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	// #nosec G304 -- path comes from operator configuration
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("log dir %s: %w", dir, err)
	}
	return nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// fallbackWriter writes to primary until the first error, then to fallback.
type fallbackWriter struct {
	name     string
	primary  io.WriteCloser
	fallback io.Writer
	failed   atomic.Bool
	mu       sync.Mutex
}

func newFallback(name string, primary io.WriteCloser, fallback io.Writer) *fallbackWriter {
	if fallback == nil {
		fallback = io.Discard
	}
	return &fallbackWriter{name: name, primary: primary, fallback: fallback}
}

func (w *fallbackWriter) Write(p []byte) (int, error) {
	if !w.failed.Load() {
		w.mu.Lock()
		_, err := w.primary.Write(p)
		w.mu.Unlock()
		if err == nil {
			return len(p), nil
		}
		if w.failed.CompareAndSwap(false, true) {
			slog.Warn("service log unwritable, using fallback", "service", w.name, "error", err)
		}
	}
	_, _ = w.fallback.Write(p)
	return len(p), nil
}

func (w *fallbackWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.primary.Close()
}

// sharedCloser lets stdout and stderr share one writer; only the first Close
// reaches the underlying file.
type sharedCloser struct{ w io.WriteCloser }

func (s *sharedCloser) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *sharedCloser) Close() error                { return nil }
