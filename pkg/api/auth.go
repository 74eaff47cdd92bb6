package api

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/luxfi/perps/pkg/lx"
)

// ErrBadCredentials is returned for an unknown account or wrong key.
var ErrBadCredentials = errors.New("bad credentials")

// KeyStore maps accounts to bcrypt hashes of their API keys.
type KeyStore struct {
	mu     sync.RWMutex
	hashes map[lx.Account][]byte
	cost   int
}

// NewKeyStore creates an empty key store. cost is the bcrypt cost used by
// AddKey; zero selects bcrypt.DefaultCost.
func NewKeyStore(cost int) *KeyStore {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &KeyStore{hashes: make(map[lx.Account][]byte), cost: cost}
}

// AddKey hashes key and stores it for account.
func (k *KeyStore) AddKey(account lx.Account, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), k.cost)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.hashes[account] = hash
	k.mu.Unlock()
	return nil
}

// AddHash stores a precomputed bcrypt hash, as read from configuration.
func (k *KeyStore) AddHash(account lx.Account, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return err
	}
	k.mu.Lock()
	k.hashes[account] = []byte(hash)
	k.mu.Unlock()
	return nil
}

// Verify checks key against account's stored hash.
func (k *KeyStore) Verify(account lx.Account, key string) error {
	k.mu.RLock()
	hash, ok := k.hashes[account]
	k.mu.RUnlock()
	if !ok {
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
