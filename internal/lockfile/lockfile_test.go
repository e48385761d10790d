package lockfile

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "server.lock")
	lock := New(path)

	require.NoError(t, lock.TryAcquire("127.0.0.1:65432"))
	assert.True(t, lock.Locked())
	assert.Equal(t, os.Getpid(), lock.Info().PID)

	info, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:65432", info.Addr)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Locked())
	_, err = Read(path)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, lock.TryAcquire("127.0.0.1:1"))
	require.NoError(t, lock.Release())
}

func TestSecondServerIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	first := New(path)
	require.NoError(t, first.TryAcquire("127.0.0.1:1"))
	defer first.Release()

	err := New(path).TryAcquire("127.0.0.1:2")
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestStaleLockIsReplaced(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	path := filepath.Join(t.TempDir(), "server.lock")
	data, err := json.Marshal(Info{PID: cmd.Process.Pid, Addr: "old", StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Read(path)
	assert.ErrorIs(t, err, ErrNotRunning)

	lock := New(path)
	require.NoError(t, lock.TryAcquire("new"))
	defer lock.Release()
	info, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "new", info.Addr)
}

func TestGarbageLockIsNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
	_, err := Read(path)
	assert.ErrorIs(t, err, ErrNotRunning)
}
