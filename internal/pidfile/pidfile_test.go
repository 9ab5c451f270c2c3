//go:build darwin || linux

package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_AndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")

	f, err := Create(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), f.Pid())

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, f.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.Remove())
}

func TestCreate_RefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	_, err := Create(path)
	require.NoError(t, err)

	_, err = Create(path)
	assert.ErrorIs(t, err, ErrRunning)
}

func TestCreate_ReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	// Max pid on Linux is below 2^22; this one cannot exist.
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))

	f, err := Create(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), f.Pid())
}

func TestCreate_ReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	_, err := Create(path)
	require.NoError(t, err)
}

func TestRemove_LeavesOtherOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	f, err := create(path, 12345)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("54321\n"), 0o644))

	require.NoError(t, f.Remove())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}
