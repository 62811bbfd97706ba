// Package lock guards the store against concurrent writers: an advisory
// flock held for a whole ingestion run, and a pid-file check for the
// external tailing watcher.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrHeld is returned when another live process holds the store lock.
var ErrHeld = errors.New("store is locked by another process")

// WatcherPIDFile is the name of the tailing watcher's pid file inside the
// data directory. The watcher owns writing it; ingestion only reads.
const WatcherPIDFile = "watcher.pid"

// Holder identifies the process recorded inside a lock file.
type Holder struct {
	PID       int
	StartedAt time.Time
}

// Lock is a held advisory lock. Release it on every exit path; the kernel
// drops it anyway if the process dies, so a crash never wedges the store.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive advisory lock at path without blocking. On
// conflict it returns ErrHeld wrapped with the holder recorded in the file.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			if h, herr := ReadHolder(path); herr == nil && h.PID != 0 {
				return nil, fmt.Errorf("%w (pid %d since %s)",
					ErrHeld, h.PID, h.StartedAt.Format(time.RFC3339))
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix()); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. The file itself stays behind; flock state, not
// file existence, is what other processes contend on.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// ReadHolder parses the "pid unix-timestamp" pair a holder wrote into the
// lock file.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var pid int
	var ts int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &pid, &ts); err != nil {
		return Holder{}, fmt.Errorf("parsing lock holder: %w", err)
	}
	return Holder{PID: pid, StartedAt: time.Unix(ts, 0)}, nil
}

// Alive reports whether a process with the given pid exists, using signal 0.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// WatcherRunning checks the tailing watcher's pid file under dataDir and
// reports the recorded pid and whether that process is alive. A missing,
// empty, or stale pid file means no running watcher.
func WatcherRunning(dataDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dataDir, WatcherPIDFile))
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return pid, Alive(pid)
}
