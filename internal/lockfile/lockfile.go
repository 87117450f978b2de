// Package lockfile implements the exclusive advisory file lock guarding
// state mutation (strategy state, version ledgers, retention pruning),
// per spec.md §5.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by Acquire when another process holds the lock.
var ErrBusy = errors.New("lockfile: busy elsewhere")

// Owner is the JSON payload written into the lock file, letting an
// operator diagnose which process holds it.
type Owner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock holds an acquired advisory lock on one path. Release must be
// called exactly once to free it.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive, non-blocking advisory lock on path,
// creating the file if it does not exist. On success it writes an Owner
// payload so a second invocation encountering ErrBusy can report who
// holds the lock.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %q: %w", path, err)
	}

	if err := platformLock(file); err != nil {
		file.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, describeOwner(path))
		}
		return nil, fmt.Errorf("lockfile: lock %q: %w", path, err)
	}

	hostname, _ := os.Hostname()
	owner := Owner{
		PID:        os.Getpid(),
		Hostname:   hostname,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err == nil {
		_ = file.Truncate(0)
		_, _ = file.WriteAt(data, 0)
	}

	return &Lock{path: path, file: file}, nil
}

// describeOwner best-effort reads the Owner payload already in path, for
// inclusion in the BusyElsewhere error message. It never fails the
// caller's Acquire attempt: on any error it returns a generic message.
func describeOwner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "lock is held by another process"
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return "lock is held by another process"
	}
	return fmt.Sprintf("lock held by pid %d on %s since %s", owner.PID, owner.Hostname, owner.AcquiredAt.Format(time.RFC3339))
}

// Release unlocks and closes the underlying file. The lock file itself
// is left on disk; a stale, unlocked file is harmless since the lock is
// advisory and keyed on the open file description, not file existence.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := platformUnlock(l.file)
	closeErr := l.file.Close()
	if err != nil {
		return fmt.Errorf("lockfile: unlock %q: %w", l.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("lockfile: close %q: %w", l.path, closeErr)
	}
	return nil
}
