package keyholder

import (
	"crypto/subtle"
	"sync"
)

// KeyStore is the agent's ordered mapping from fingerprint to loaded
// private key. Insertion order is preserved and is the order in which
// identities are reported to REQUEST_IDENTITIES; re-adding an existing
// fingerprint replaces the key in place without changing its position.
type KeyStore struct {
	mu    sync.RWMutex
	order []Fingerprint
	keys  map[Fingerprint]*LoadedKey
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[Fingerprint]*LoadedKey)}
}

// Insert adds or replaces key in the store.
func (s *KeyStore) Insert(key *LoadedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp := key.Fingerprint()
	if _, exists := s.keys[fp]; !exists {
		s.order = append(s.order, fp)
	}
	s.keys[fp] = key
}

// Remove deletes the key with the given fingerprint, zeroing its secret
// material. It reports whether a key was present.
func (s *KeyStore) Remove(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[fp]
	if !ok {
		return false
	}
	key.zero()
	delete(s.keys, fp)
	for i, f := range s.order {
		if f == fp {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes and zeroes every key in the store.
func (s *KeyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		key.zero()
	}
	s.keys = make(map[Fingerprint]*LoadedKey)
	s.order = nil
}

// Get returns the key with the given fingerprint, if any.
func (s *KeyStore) Get(fp Fingerprint) (*LoadedKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[fp]
	return key, ok
}

// Snapshot returns the currently loaded keys in insertion order. The
// returned slice is safe to range over without holding any lock; it
// will not reflect concurrent mutations made after it was taken.
func (s *KeyStore) Snapshot() []*LoadedKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LoadedKey, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, s.keys[fp])
	}
	return out
}

// LockCell holds the agent-wide lock state: either unlocked, or locked
// with a passphrase that must be presented to unlock. While locked, all
// authorization checks deny access regardless of user.
type LockCell struct {
	mu         sync.Mutex
	locked     bool
	passphrase string
}

// Lock transitions to Locked with the given passphrase. It fails (and
// leaves the state unchanged) if the cell is already locked.
func (l *LockCell) Lock(passphrase string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	l.passphrase = passphrase
	return true
}

// Unlock transitions to Unlocked if locked with the given passphrase,
// compared in constant time. It fails (and leaves the state unchanged)
// if the cell is unlocked or the passphrase does not match.
func (l *LockCell) Unlock(passphrase string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(passphrase), []byte(l.passphrase)) == 0 {
		return false
	}
	l.locked = false
	l.passphrase = ""
	return true
}

// Locked reports whether the cell currently holds a lock.
func (l *LockCell) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
