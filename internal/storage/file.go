package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/healthcheck"
)

// ErrInsufficientSpace is returned when the target file system cannot hold
// the file being written.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// FileStore writes files all-or-nothing: content goes to a temporary file in
// the target directory which is renamed over the target once synced.
type FileStore struct {
	// AvailableSpace reports the free bytes of the file system holding
	// a directory. Nil disables the check.
	AvailableSpace func(dir string) (uint64, error)
}

// NewFileStore returns a store that checks free disk space before writing.
func NewFileStore() *FileStore {
	return &FileStore{
		AvailableSpace: healthcheck.AvailableDiskSpace,
	}
}

// WriteFile replaces path with b.
func (f *FileStore) WriteFile(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("unable to create %v: %w", dir, err)
	}

	if f.AvailableSpace != nil {
		avail, err := f.AvailableSpace(dir)
		switch {
		case err != nil:
			log.Warnf("Unable to check free space of %v: %v", dir, err)

		case avail < uint64(len(b)):
			return fmt.Errorf("%w: need %d bytes, have %d",
				ErrInsufficientSpace, len(b), avail)
		}
	}

	return writeAtomic(path, b, 0644)
}

func writeAtomic(path string, b []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}

	// Remove is a no-op once the rename succeeded.
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
