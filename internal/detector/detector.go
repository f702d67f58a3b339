// Package detector answers "is this service's process still ours and alive".
//
// A bare PID check is not enough after a supervisor restart: the PID may have
// been reused. Detectors therefore compare the recorded process start time
// with the live one whenever both are known.
package detector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Detector reports liveness for one process. Implementations must be safe for
// concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

// PIDDetector checks a PID, optionally guarded by its recorded start time
// (Unix seconds, 0 = unknown).
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if !PIDAlive(d.PID) {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := StartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// PIDFileDetector reads a pidfile written by WritePIDFile.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, start, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return PIDDetector{PID: pid, StartUnix: start}.Alive()
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile writes "<pid>\n{"start_unix":N}" to path.
func WritePIDFile(path string, pid int, startUnix int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(pidMeta{StartUnix: startUnix})
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile parses a pidfile. Files holding only a PID are accepted and
// report a zero start time.
func ReadPIDFile(path string) (int, int64, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, 0, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var m pidMeta
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &m)
	}
	return pid, m.StartUnix, nil
}

// PIDAlive reports whether pid exists and is not a zombie. EPERM counts as
// alive: the process exists but belongs to someone else.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie reads /proc/<pid>/status; on systems without procfs it reports false.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
