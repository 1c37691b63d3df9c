// Package jsonfile reads and atomically replaces JSON files on disk.
package jsonfile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// WriteAtomic marshals v and replaces path with it. The data is written to a
// temp file in the same directory, synced and renamed over path, so readers
// see either the previous file or the new one.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "jsonfile: marshal %s", path)
	}
	return WriteBytesAtomic(path, data)
}

// WriteBytesAtomic is WriteAtomic for pre-encoded data.
func WriteBytesAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "jsonfile: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "jsonfile: create temp for %s", path)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return eris.Wrapf(err, "jsonfile: write %s", tmp.Name())
	}
	if err = tmp.Sync(); err != nil {
		return eris.Wrapf(err, "jsonfile: sync %s", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrapf(err, "jsonfile: close %s", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "jsonfile: rename to %s", path)
	}
	return nil
}

// Read decodes path into v. It reports false, nil when the file does not
// exist.
func Read(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "jsonfile: read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, eris.Wrapf(err, "jsonfile: decode %s", path)
	}
	return true, nil
}

// Remove deletes path, ignoring a missing file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "jsonfile: remove %s", path)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
