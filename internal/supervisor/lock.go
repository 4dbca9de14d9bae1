package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is an advisory PID lock file guarding the check-then-act windows
// of start and stop against concurrent operator invocations targeting
// the same instance. The holder's PID is written into the file so a
// later invocation can detect a lock orphaned by a crash.
type Lock struct {
	path string
}

// AcquireLock takes the lock at path, reclaiming it when the recorded
// holder is no longer alive.
func AcquireLock(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(file, "%d\n", os.Getpid())
			file.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, readErr := readLockHolder(path)
		if readErr == nil && holder > 0 && processAlive(holder) {
			return nil, fmt.Errorf("instance is locked by running process %d (%s)", holder, path)
		}

		// Stale: holder is gone or the file is unreadable garbage.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to acquire lock %s", path)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock file: %w", err)
	}
	return nil
}

func readLockHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether pid exists, using a null signal. EPERM
// means the process exists but belongs to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
