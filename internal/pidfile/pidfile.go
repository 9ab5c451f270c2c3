//go:build darwin || linux

// Package pidfile guards against two monitor daemons running for the same
// state directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrRunning is returned when the file names a live process.
var ErrRunning = errors.New("pidfile: process is running")

// File is a held pid file.
type File struct {
	path string
	pid  int
}

// Create writes the current pid to path. A file left by a dead process is
// replaced; one naming a live process yields ErrRunning.
func Create(path string) (*File, error) {
	return create(path, os.Getpid())
}

func create(path string, pid int) (*File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("pidfile: write %s: %w", path, errors.Join(werr, cerr))
			}
			return &File{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("pidfile: %w", err)
		}

		other, rerr := Read(path)
		if rerr == nil && Alive(other) {
			return nil, fmt.Errorf("%w (pid %d)", ErrRunning, other)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pidfile: remove stale %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("pidfile: %s keeps reappearing", path)
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile: %s does not hold a pid", path)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Pid is the pid written to the file.
func (f *File) Pid() int { return f.pid }

// Path is where the file lives.
func (f *File) Path() string { return f.path }

// Remove deletes the file if it still holds our pid.
func (f *File) Remove() error {
	pid, err := Read(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != f.pid {
		return nil
	}
	return os.Remove(f.path)
}
