// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"crypto/rand"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/securestore"
)

// KeyName is the secure storage key holding the chain HMAC key.
const KeyName = "audit-hmac-key"

const keySize = 32

// KeyStore is the subset of securestore.Store used for the chain key.
type KeyStore interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
}

// LoadOrCreateKey returns the chain HMAC key, generating and storing one
// on first use. A key that fails its integrity check is not replaced: the
// existing log can only be verified with the original key.
func LoadOrCreateKey(store KeyStore) ([]byte, error) {
	key, err := store.Load(KeyName)
	switch {
	case err == nil:
		if len(key) != keySize {
			return nil, fmt.Errorf("audit key has invalid length %d", len(key))
		}
		return key, nil
	case errors.Is(err, securestore.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load audit key: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate audit key: %w", err)
	}
	if err := store.Save(KeyName, key); err != nil {
		return nil, fmt.Errorf("failed to store audit key: %w", err)
	}
	log.Info("Generated new audit chain key")
	return key, nil
}
