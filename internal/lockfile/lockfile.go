// Package lockfile keeps one server per state directory. The lock file
// records the process and the address it serves on, so other commands can
// find the running server.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrLocked is returned when a live server holds the lock.
	ErrLocked = errors.New("server is already running")
	// ErrNotRunning is returned by Read when no live server holds the lock.
	ErrNotRunning = errors.New("no server is running")
)

// Info is the content of the lock file.
type Info struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
}

// Lockfile is the lock of one server process.
type Lockfile struct {
	path   string
	info   Info
	locked bool
}

func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire takes the lock for a server listening on addr. A lock left
// behind by a process that is gone is replaced.
func (l *Lockfile) TryAcquire(addr string) error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	info := Info{PID: os.Getpid(), Addr: addr, StartedAt: time.Now().UTC()}
	err := l.create(info)
	if errors.Is(err, os.ErrExist) {
		existing, readErr := Read(l.path)
		if readErr == nil {
			return fmt.Errorf("%w: pid %d on %s", ErrLocked, existing.PID, existing.Addr)
		}
		if !errors.Is(readErr, ErrNotRunning) {
			return readErr
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lockfile: %w", err)
		}
		err = l.create(info)
	}
	if err != nil {
		return err
	}

	l.info = info
	l.locked = true
	return nil
}

func (l *Lockfile) create(info Info) error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(file).Encode(info); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return file.Close()
}

// Release removes the lock file if this process holds it.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) Info() Info   { return l.info }
func (l *Lockfile) Locked() bool { return l.locked }
func (l *Lockfile) Path() string { return l.path }

// Read returns the server holding the lock at path. A missing, unreadable
// or stale lock yields ErrNotRunning.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotRunning
		}
		return Info{}, fmt.Errorf("failed to read lockfile: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		return Info{}, fmt.Errorf("%w: invalid lockfile", ErrNotRunning)
	}
	if alive, reason := processAlive(info.PID); !alive {
		return info, fmt.Errorf("%w: pid %d %s", ErrNotRunning, info.PID, reason)
	}
	return info, nil
}
