package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/foldermcp/foldermcp/internal/errors"
)

// PIDFile guards against concurrent daemon instances: the file lock is held
// for the daemon's lifetime, and the file content is the live PID for
// tooling that wants to signal the daemon.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// NewPIDFile creates a pidfile manager for path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the pidfile path.
func (p *PIDFile) Path() string { return p.path }

// Acquire takes the instance lock and records the current PID. Fails when
// another live daemon holds the lock.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating pid directory")
	}

	locked, err := p.lock.TryLock()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "acquiring daemon lock")
	}
	if !locked {
		pid, _ := p.Read()
		return errors.Newf(errors.ErrCodeInternal, "daemon already running (pid %d)", pid)
	}

	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = p.lock.Unlock()
		return errors.Wrap(err, errors.ErrCodeFileWrite, "writing pid file")
	}
	return nil
}

// Release drops the lock and removes the pidfile.
func (p *PIDFile) Release() error {
	if err := p.lock.Unlock(); err != nil {
		return err
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read returns the recorded PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file content: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the recorded process is alive.
func (p *PIDFile) IsRunning() bool {
	pid, err := p.Read()
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on unix; signal 0 probes liveness.
	return process.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("reading pid: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	return process.Signal(sig)
}
