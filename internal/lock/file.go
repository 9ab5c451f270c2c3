package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileLocker keeps one marker file per key in a directory. The marker is
// published with a hard link so its contents are complete the moment it
// exists.
type FileLocker struct {
	dir   string
	owner string
	now   func() time.Time
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir, owner string) (*FileLocker, error) {
	if dir == "" {
		return nil, errors.New("lock: directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("lock: create directory: %w", err)
	}
	return &FileLocker{dir: dir, owner: owner, now: time.Now}, nil
}

func (f *FileLocker) path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key)+".lock")
}

// TryAcquire implements Locker.
func (f *FileLocker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := newLock(key, f.owner, f.now())
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(f.dir, ".pending-*")
	if err != nil {
		return nil, fmt.Errorf("lock: create marker: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("lock: write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("lock: sync marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("lock: close marker: %w", err)
	}

	if err := os.Link(tmp.Name(), f.path(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock: publish marker: %w", err)
	}
	return l, nil
}

// Release implements Locker. The token check and the unlink are two steps:
// a ForceRelease followed by another process acquiring between them would
// lose that process's marker. Only unlock -force or the staleness ceiling
// can open that window.
func (f *FileLocker) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	holder, err := f.Holder(ctx, l.Key)
	if err != nil {
		return err
	}
	if holder == nil {
		return nil
	}
	if holder.Token != l.Token {
		return ErrNotHolder
	}
	return f.remove(l.Key)
}

// Holder implements Locker. A marker that cannot be decoded is still a
// holder; its age comes from the file's modification time.
func (f *FileLocker) Holder(_ context.Context, key string) (*Lock, error) {
	path := f.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: read marker: %w", err)
	}

	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("lock: stat marker: %w", statErr)
		}
		return &Lock{Key: key, Owner: "unknown", AcquiredAt: info.ModTime()}, nil
	}
	return &l, nil
}

// ForceRelease implements Locker.
func (f *FileLocker) ForceRelease(_ context.Context, key string) error {
	return f.remove(key)
}

func (f *FileLocker) remove(key string) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: remove marker: %w", err)
	}
	return nil
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
