// Package lock keeps a single mtxd per session with an flock on the
// session directory's LOCK file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FileName is the lock file inside a session directory.
const FileName = "LOCK"

// HeldError is returned when another daemon holds the session lock.
type HeldError struct {
	Holder Holder
	Path   string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d since %s (%s)",
		e.Holder.PID, e.Holder.Since.Format(time.RFC3339), e.Path)
}

// Holder describes the process that wrote the lock file.
type Holder struct {
	PID   int
	Since time.Time
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock for sessionDir, creating the directory.
// It returns *HeldError if another process already holds it.
func Acquire(sessionDir string) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			h, _ := Inspect(sessionDir)
			return nil, &HeldError{Holder: h, Path: path}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := writeHolder(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path}, nil
}

func writeHolder(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_, err := f.WriteString(content)
	return err
}

// Inspect reads the holder recorded in sessionDir's lock file without
// taking the lock.
func Inspect(sessionDir string) (Holder, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, FileName))
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Held reports whether a live process holds sessionDir's lock, and who.
// A lock file left behind by a crashed daemon is not held.
func Held(sessionDir string) (bool, Holder, error) {
	f, err := os.Open(filepath.Join(sessionDir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return false, Holder{}, nil
	}
	if err != nil {
		return false, Holder{}, err
	}
	defer func() { _ = f.Close() }()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		h, _ := Inspect(sessionDir)
		return true, h, nil
	}
	if err != nil {
		return false, Holder{}, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, Holder{}, nil
}
