package vaultfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// WriteAtomic durably replaces the vault file: write to <path>.tmp,
// fsync the file, rename over the target, then fsync the directory so
// the rename itself survives a crash. Readers always observe either the
// old or the new file, never a partial write.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return vaulterr.NewIOError("create temp vault file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return vaulterr.NewIOError("write temp vault file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return vaulterr.NewIOError("fsync temp vault file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return vaulterr.NewIOError("close temp vault file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return vaulterr.NewIOError("rename vault file", err)
	}
	if d, err := os.Open(dir); err == nil {
		// Directory fsync is best effort on platforms that reject it.
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// ReadFile loads the raw vault bytes. A leftover .tmp from a crashed
// save is discarded; the renamed file is the only source of truth.
func ReadFile(path string) ([]byte, error) {
	if _, err := os.Stat(path + ".tmp"); err == nil {
		_ = os.Remove(path + ".tmp")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: vault file %q", vaulterr.ErrNotFound, path)
		}
		return nil, vaulterr.NewIOError("read vault file", err)
	}
	return raw, nil
}
