// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package securestore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Backend stores opaque blobs. Store already validated the key.
type Backend interface {
	// Put stores blob under key, replacing any previous value atomically.
	Put(key string, blob []byte) error
	// Get returns the blob or ErrNotFound.
	Get(key string) ([]byte, error)
	// Wipe overwrites the blob and removes it, or returns ErrNotFound.
	Wipe(key string) error
	// Has reports whether key is present.
	Has(key string) (bool, error)
	// Close releases backend resources.
	Close() error
}

const blobExt = ".blob"

// OpenBackend opens a backend by kind: "file" (path is a directory) or
// "sqlite" (path is a database file).
func OpenBackend(kind, path string) (Backend, error) {
	switch kind {
	case "file", "":
		b, err := NewFileBackend(path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		b, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", kind)
	}
}

// FileBackend stores one file per key in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir with mode 0700 if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+blobExt)
}

func (b *FileBackend) Put(key string, blob []byte) error {
	return atomicWriteFile(b.path(key), blob, 0600)
}

func (b *FileBackend) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Wipe overwrites the file with random bytes, syncs it and unlinks it.
func (b *FileBackend) Wipe(key string) error {
	path := b.path(key)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to open blob for wipe: %w", err)
	}

	info, err := f.Stat()
	if err == nil {
		_, err = io.CopyN(f, rand.Reader, info.Size())
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to overwrite blob: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return syncDir(b.dir)
}

func (b *FileBackend) Has(key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

func (b *FileBackend) Close() error { return nil }

// atomicWriteFile writes to a temp file in the same directory, syncs it
// and renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data to disk: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
