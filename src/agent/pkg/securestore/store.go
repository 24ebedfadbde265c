// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no blob is stored under the key.
	ErrNotFound = errors.New("securestore: not found")

	// ErrIntegrityViolation is returned when a stored blob fails
	// authentication. It signals possible tampering and must not be retried.
	ErrIntegrityViolation = errors.New("securestore: integrity violation")

	// ErrInvalidKey is returned for keys outside [A-Za-z0-9._-].
	ErrInvalidKey = errors.New("securestore: invalid key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("securestore: closed")
)

const (
	blobMagic   = "SHS1"
	blobVersion = 1
	nonceSize   = 12
	macSize     = sha256.Size
	headerSize  = len(blobMagic) + 1
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store encrypts and authenticates blobs before handing them to a Backend.
//
// Blob layout: magic "SHS1" | version u8 | nonce[12] | AES-256-GCM ciphertext | HMAC-SHA256[32].
// The MAC covers the key name and every preceding byte and is checked in
// constant time before decryption. The key name is also the GCM additional
// data, so a blob copied under another key fails to load.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	aead    cipher.AEAD
	macKey  []byte
	closed  bool
}

// New creates a store over backend using keys derived from keys.
func New(backend Backend, keys *Keys) (*Store, error) {
	block, err := aes.NewCipher(keys.Encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Store{
		backend: backend,
		aead:    aead,
		macKey:  append([]byte(nil), keys.MAC...),
	}, nil
}

// Save encrypts data and stores it under key, replacing any previous blob.
func (s *Store) Save(key string, data []byte) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	blob, err := s.seal(key, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Put(key, blob); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	log.Debugf("Secure blob saved: key=%s size=%d", key, len(blob))
	return nil
}

// Load returns the decrypted data stored under key. It returns ErrNotFound
// when nothing is stored and ErrIntegrityViolation when the blob does not
// authenticate.
func (s *Store) Load(key string) ([]byte, error) {
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	blob, err := s.backend.Get(key)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	return s.open(key, blob)
}

// Delete overwrites the stored blob and then removes it.
func (s *Store) Delete(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Wipe(key); err != nil {
		return err
	}
	log.Debugf("Secure blob wiped: key=%s", key)
	return nil
}

// Exists reports whether a blob is stored under key. It does not verify it.
func (s *Store) Exists(key string) (bool, error) {
	if !keyPattern.MatchString(key) {
		return false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.backend.Has(key)
}

// Close zeroes the key material and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ZeroBytes(s.macKey)
	return s.backend.Close()
}

func (s *Store) seal(key string, data []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, headerSize+nonceSize+len(data)+s.aead.Overhead()+macSize)
	blob = append(blob, blobMagic...)
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = s.aead.Seal(blob, nonce, data, []byte(key))
	blob = append(blob, s.mac(key, blob)...)
	return blob, nil
}

func (s *Store) open(key string, blob []byte) ([]byte, error) {
	if len(blob) < headerSize+nonceSize+s.aead.Overhead()+macSize {
		return nil, fmt.Errorf("%w: %s is truncated", ErrIntegrityViolation, key)
	}

	body, tag := blob[:len(blob)-macSize], blob[len(blob)-macSize:]
	if !hmac.Equal(tag, s.mac(key, body)) {
		return nil, fmt.Errorf("%w: MAC mismatch for %s", ErrIntegrityViolation, key)
	}
	if string(body[:len(blobMagic)]) != blobMagic || body[len(blobMagic)] != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob format for %s", ErrIntegrityViolation, key)
	}

	nonce := body[headerSize : headerSize+nonceSize]
	plaintext, err := s.aead.Open(nil, nonce, body[headerSize+nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed for %s", ErrIntegrityViolation, key)
	}
	return plaintext, nil
}

func (s *Store) mac(key string, body []byte) []byte {
	h := hmac.New(sha256.New, s.macKey)
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum(nil)
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
