package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// HeldError is returned by Lock when another daemon already owns the profile.
type HeldError struct {
	Profile string
	PID     int
}

func (e *HeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("profile %q is in use by another wppcrmd", e.Profile)
	}
	return fmt.Sprintf("profile %q is in use by wppcrmd (pid %d)", e.Profile, e.PID)
}

// Lock is an exclusive flock on <dir>/LOCK held for the daemon's lifetime.
type Lock struct {
	f    *os.File
	path string
}

// LockDir takes the profile lock in dir, writing our pid into the lock file.
func LockDir(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		raw, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &HeldError{Profile: name, PID: lockPID(string(raw))}
	}
	err = f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Acquire locks the named profile's directory.
func Acquire(name string) (*Lock, error) {
	return LockDir(Dir(name), name)
}

// Release drops the lock. It is safe on a nil or already released lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.f.Close()
	l.f = nil
	return err
}

func lockPID(content string) int {
	for line := range strings.SplitSeq(content, "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(strings.TrimSpace(v))
			return pid
		}
	}
	return 0
}
