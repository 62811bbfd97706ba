package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// flock contention is per open file description, so a second Acquire
	// conflicts even inside one process.
	if _, err := Acquire(path); !errors.Is(err, ErrHeld) {
		t.Errorf("second Acquire = %v, want ErrHeld", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release = %v", err)
	}
}

func TestReadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	h, err := ReadHolder(path)
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", h.PID, os.Getpid())
	}
	if time.Since(h.StartedAt) > time.Minute {
		t.Errorf("StartedAt = %v, want recent", h.StartedAt)
	}
}

func TestAcquireHeldNamesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	_, err = Acquire(path)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("Acquire = %v, want ErrHeld", err)
	}
	if want := strconv.Itoa(os.Getpid()); !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not name pid %s", err, want)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("current process reported dead")
	}
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pid reported alive")
	}
	// A pid far beyond the kernel's pid space.
	if Alive(1 << 30) {
		t.Error("absurd pid reported alive")
	}
}

func TestWatcherRunning(t *testing.T) {
	dir := t.TempDir()

	if pid, ok := WatcherRunning(dir); ok || pid != 0 {
		t.Errorf("missing pid file = (%d, %v), want (0, false)", pid, ok)
	}

	pidPath := filepath.Join(dir, WatcherPIDFile)
	if err := os.WriteFile(pidPath, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatalf("writing pid file: %v", err)
	}
	if _, ok := WatcherRunning(dir); ok {
		t.Error("garbage pid file reported a running watcher")
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("writing pid file: %v", err)
	}
	pid, ok := WatcherRunning(dir)
	if !ok || pid != os.Getpid() {
		t.Errorf("live watcher = (%d, %v), want (%d, true)", pid, ok, os.Getpid())
	}

	if err := os.WriteFile(pidPath, []byte("1073741824\n"), 0o644); err != nil {
		t.Fatalf("writing pid file: %v", err)
	}
	if _, ok := WatcherRunning(dir); ok {
		t.Error("stale pid file reported a running watcher")
	}
}
