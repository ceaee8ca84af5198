package paths

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steno.pid")
	lock := New(path)

	ok, pid, err := lock.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatalf("Acquire: want true, got false (pid %d)", pid)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if got, _ := strconv.Atoi(string(data)); got != os.Getpid() {
		t.Errorf("pidfile contains %d, want %d", got, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("pidfile still exists after Release")
	}
}

func TestReleaseMissingIsNotError(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "absent.pid"))
	if err := lock.Release(); err != nil {
		t.Errorf("Release on missing pidfile: %v", err)
	}
}

func TestAcquireFailsWhileLiveProcessHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steno.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	lock := New(path)
	ok, pid, err := lock.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Fatalf("Acquire: want false while this process's own pid is live")
	}
	if pid != os.Getpid() {
		t.Errorf("reported pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireStealsLockFromDeadPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steno.pid")
	// pid 1 could plausibly be alive on the test host (init), so use a pid
	// far beyond any realistic process table entry instead.
	const deadPid = 999999999
	if err := os.WriteFile(path, []byte(strconv.Itoa(deadPid)), 0600); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	lock := New(path)
	ok, _, err := lock.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatalf("Acquire: want true when the recorded pid is dead")
	}
}

func TestAcquireTreatsCorruptPidfileAsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steno.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0600); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	lock := New(path)
	ok, _, err := lock.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatalf("Acquire: want true over a corrupt pidfile")
	}
}

func TestIsRunningNoFile(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "absent.pid"))
	running, _, err := lock.IsRunning()
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if running {
		t.Errorf("IsRunning: want false with no pidfile")
	}
}
