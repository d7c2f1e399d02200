package vaultfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Lock is an OS advisory lock on <vault>.lock serializing writers
// across processes. Read-only openers hold it shared; the single writer
// holds it exclusive.
type Lock struct {
	f *os.File
}

// AcquireLock takes the vault lock without blocking. exclusive selects
// the writer lock; a held conflicting lock returns ErrLocked so the
// caller can surface "locked by another writer" instead of hanging.
func AcquireLock(path string, exclusive bool) (*Lock, error) {
	f, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, vaulterr.NewIOError("open lock file", err)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", vaulterr.ErrLocked, path)
		}
		return nil, vaulterr.NewIOError("flock vault", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call once only.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer l.f.Close()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return vaulterr.NewIOError("unlock vault", err)
	}
	l.f = nil
	return nil
}
