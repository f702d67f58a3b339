package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleep(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	time.Sleep(20 * time.Millisecond)
	return cmd
}

func TestPIDDetectorAlive(t *testing.T) {
	cmd := startSleep(t)
	pid := cmd.Process.Pid

	ok, err := PIDDetector{PID: pid}.Alive()
	require.NoError(t, err)
	assert.True(t, ok)

	start := StartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable")
	}
	ok, _ = PIDDetector{PID: pid, StartUnix: start}.Alive()
	assert.True(t, ok)

	ok, _ = PIDDetector{PID: pid, StartUnix: start - 3600}.Alive()
	assert.False(t, ok, "mismatched start time means the pid was reused")
}

func TestPIDDetectorExitedAndZombie(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	time.Sleep(100 * time.Millisecond)
	// Not yet reaped: the child is a zombie and must not count as alive.
	assert.False(t, PIDAlive(pid))
	_ = cmd.Wait()
	assert.False(t, PIDAlive(pid))
	assert.False(t, PIDAlive(0))
}

func TestPIDFileRoundTripAndDetector(t *testing.T) {
	cmd := startSleep(t)
	path := filepath.Join(t.TempDir(), "run", "svc.pid")
	start := StartUnix(cmd.Process.Pid)
	require.NoError(t, WritePIDFile(path, cmd.Process.Pid, start))

	pid, gotStart, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
	assert.Equal(t, start, gotStart)

	d := PIDFileDetector{PIDFile: path}
	ok, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pidfile:"+path, d.Describe())
}

func TestPIDFileDetectorMissingAndLegacy(t *testing.T) {
	dir := t.TempDir()
	ok, err := PIDFileDetector{PIDFile: filepath.Join(dir, "none.pid")}.Alive()
	require.NoError(t, err)
	assert.False(t, ok)

	legacy := filepath.Join(dir, "legacy.pid")
	require.NoError(t, os.WriteFile(legacy, []byte("12345\n"), 0o600))
	pid, start, err := ReadPIDFile(legacy)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
	assert.Zero(t, start)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("abc"), 0o600))
	_, err = PIDFileDetector{PIDFile: bad}.Alive()
	assert.Error(t, err)
}
