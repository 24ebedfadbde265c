// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package securestore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize  = 32
	saltSize = 32

	encInfo = "securehost/securestore/v1/encryption"
	macInfo = "securehost/securestore/v1/mac"
)

// Keys holds the derived encryption and MAC keys.
type Keys struct {
	Encryption []byte
	MAC        []byte
}

// Zero overwrites both keys.
func (k *Keys) Zero() {
	ZeroBytes(k.Encryption)
	ZeroBytes(k.MAC)
}

// DeriveKeys expands host-bound secret material into independent
// encryption and MAC keys with HKDF-SHA256.
func DeriveKeys(secret, salt []byte) (*Keys, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty key material")
	}
	keys := &Keys{
		Encryption: make([]byte, keySize),
		MAC:        make([]byte, keySize),
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(encInfo)), keys.Encryption); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(macInfo)), keys.MAC); err != nil {
		return nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}
	return keys, nil
}

// MaterialConfig locates the host-bound inputs of key derivation.
type MaterialConfig struct {
	// MachineIDPaths are tried in order; the first readable one is used.
	MachineIDPaths []string
	// SaltPath holds a random salt, created with mode 0600 on first use.
	SaltPath string
	// Override replaces the machine id and hostname. Used by tests and
	// containers without a stable machine id.
	Override string
}

// DefaultMachineIDPaths are the usual locations of the machine id.
var DefaultMachineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// LoadHostKeys reads the host material and derives the storage keys.
func LoadHostKeys(cfg MaterialConfig) (*Keys, error) {
	secret, err := hostSecret(cfg)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(secret)

	salt, err := loadOrCreateSalt(cfg.SaltPath)
	if err != nil {
		return nil, err
	}
	return DeriveKeys(secret, salt)
}

func hostSecret(cfg MaterialConfig) ([]byte, error) {
	if cfg.Override != "" {
		return []byte(cfg.Override), nil
	}

	paths := cfg.MachineIDPaths
	if len(paths) == 0 {
		paths = DefaultMachineIDPaths
	}
	var machineID string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			machineID = id
			break
		}
	}
	if machineID == "" {
		return nil, fmt.Errorf("no machine id found in %s", strings.Join(paths, ", "))
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}
	return []byte(machineID + "\x00" + hostname), nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("salt path not configured")
	}

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s has %d bytes, want %d", path, len(salt), saltSize)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := atomicWriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	log.Infof("Generated new storage salt: %s", path)
	return salt, nil
}
