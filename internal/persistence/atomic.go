// Package persistence owns the edge worker's on-disk state documents. All
// writes go through a temp-file, fsync, rename sequence so a crash mid-write
// never leaves a reader with a partial document.
package persistence

import (
	"errors"
	"os"
	"path/filepath"
)

// AtomicWrite replaces the document at path with data. The write lands in a
// temp file that is synced and renamed over the target, so readers observe
// either the previous document or the new one, never a torn write. Missing
// parent directories are created.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeAndSync(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// writeAndSync writes data and forces it to disk before close.
func writeAndSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFileOrEmpty reads path, mapping a missing file to (nil, nil) so first
// boot and post-crash recovery look the same to callers.
func ReadFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
