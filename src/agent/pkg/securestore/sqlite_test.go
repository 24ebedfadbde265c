// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package securestore

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// TestSQLiteBackend_NewAndClose tests creating and closing storage
func TestSQLiteBackend_NewAndClose(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.NoError(t, b.Close())
}

// TestSQLiteBackend_PutAndGet tests saving and loading blobs
func TestSQLiteBackend_PutAndGet(t *testing.T) {
	b := newSQLiteBackend(t)

	require.NoError(t, b.Put("snap", []byte{1, 2, 3}))

	data, err := b.Get("snap")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = b.Get("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSQLiteBackend_Update tests replacing an existing blob
func TestSQLiteBackend_Update(t *testing.T) {
	b := newSQLiteBackend(t)

	require.NoError(t, b.Put("snap", []byte("one")))
	require.NoError(t, b.Put("snap", []byte("two")))

	data, err := b.Get("snap")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	count, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestSQLiteBackend_Wipe tests deleting blobs
func TestSQLiteBackend_Wipe(t *testing.T) {
	b := newSQLiteBackend(t)
	require.NoError(t, b.Put("snap", []byte("secret")))

	require.NoError(t, b.Wipe("snap"))

	ok, err := b.Has("snap")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Wipe("snap"), ErrNotFound)
}

// TestSQLiteBackend_InvalidPath tests opening in a missing directory
func TestSQLiteBackend_InvalidPath(t *testing.T) {
	_, err := NewSQLiteBackend("/nonexistent/directory/store.db")
	assert.Error(t, err)
}

// TestSQLiteBackend_WithStore runs the encrypted store over SQLite and
// checks tamper detection on the raw row.
func TestSQLiteBackend_WithStore(t *testing.T) {
	b := newSQLiteBackend(t)
	s, err := New(b, testKeys(t))
	require.NoError(t, err)

	require.NoError(t, s.Save("policy-snapshot", []byte("rules")))
	got, err := s.Load("policy-snapshot")
	require.NoError(t, err)
	assert.Equal(t, []byte("rules"), got)

	raw, err := b.Get("policy-snapshot")
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x10
	require.NoError(t, b.Put("policy-snapshot", raw))

	_, err = s.Load("policy-snapshot")
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

// TestSQLiteBackend_ConcurrentOperations tests concurrent puts and gets
func TestSQLiteBackend_ConcurrentOperations(t *testing.T) {
	b := newSQLiteBackend(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			assert.NoError(t, b.Put(key, []byte(key)))
			data, err := b.Get(key)
			assert.NoError(t, err)
			assert.Equal(t, []byte(key), data)
		}(i)
	}
	wg.Wait()

	count, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()

	fb, err := OpenBackend("file", filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, fb)

	sb, err := OpenBackend("sqlite", filepath.Join(dir, "db", "store.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, sb)
	sb.Close()

	_, err = OpenBackend("tape", dir)
	assert.Error(t, err)
}
