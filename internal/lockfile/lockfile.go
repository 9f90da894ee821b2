// Package lockfile guards a CrisisPipe state directory against concurrent
// instances.
//
// Per-user crisis state lives in one process, so two instances sharing a
// database would each run their own safety checks for the same events. The
// lock is an flock held for the life of the process; the kernel drops it when
// the process exits for any reason.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "crisispipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	Host      string
	StartedAt time.Time
	Addr      string
}

func (o Owner) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	if o.Host != "" {
		fmt.Fprintf(&b, "host=%s\n", o.Host)
	}
	if !o.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started_at=%s\n", o.StartedAt.UTC().Format(time.RFC3339))
	}
	if o.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", o.Addr)
	}
	return b.String()
}

// parseOwner reads the key=value lines of a lock file. Unknown keys and
// malformed values are ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "host":
			o.Host = value
		case "started_at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.StartedAt = t
			}
		case "addr":
			o.Addr = value
		}
	}
	return o
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. addr is recorded for the error shown to a second instance. A held
// lock yields a *LockError describing the owner.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: acquiring state directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the lock is held so a losing instance does not
	// wipe the owner's record.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(stateDir)
		slog.Error("AcquireLock: state directory is locked by another CrisisPipe instance", "lock_path", lockPath, "owner_pid", owner.PID, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, StartedAt: time.Now(), Addr: addr}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory lock acquired", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(owner.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("writeOwner: failed to sync lock file", "error", err)
	}
	return nil
}

// ReadOwner returns the owner recorded in stateDir's lock file.
func ReadOwner(stateDir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if err != nil {
		return Owner{}, err
	}
	return parseOwner(string(data)), nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Calling it more than once
// is harmless.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting instance never sees our stale record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to release flock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory lock released", "lock_path", l.path)
	return err
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another CrisisPipe instance holds the state directory lock %s", e.LockPath)
	if e.Owner.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Owner.PID) {
			state = "not running, lock may be stale"
		}
		fmt.Fprintf(&b, " (pid %d, %s", e.Owner.PID, state)
		if e.Owner.Host != "" {
			fmt.Fprintf(&b, ", host %s", e.Owner.Host)
		}
		if e.Owner.Addr != "" {
			fmt.Fprintf(&b, ", serving %s", e.Owner.Addr)
		}
		if !e.Owner.StartedAt.IsZero() {
			fmt.Fprintf(&b, ", since %s", e.Owner.StartedAt.Format(time.RFC3339))
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, "; remove %s only if no other instance is running", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
