// Package keyring implements the ordered symmetric-key set that the message
// codec consults for encryption and trial decryption (spec.md §4.8).
package keyring

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/nimbus-cluster/membership/errs"
)

// Key is a raw AES key. Only 16, 24, or 32 bytes (AES-128/192/256) are valid.
type Key []byte

func validSize(k Key) bool {
	switch len(k) {
	case 16, 24, 32:
		return true
	default:
		return false
	}
}

// equal performs a constant-time comparison, per the typing hygiene shown by
// the original source's Secret newtype (original_source/types/src/secret.rs):
// key material should never be compared with a short-circuiting bytes.Equal.
func equal(a, b Key) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Keyring holds an ordered set of installed keys with one designated primary.
// The primary is always keys[0].
type Keyring struct {
	mu   sync.RWMutex
	keys []Key
}

// New constructs a Keyring. primary may be nil, meaning the ring starts empty
// and all traffic is sent/received unencrypted until a key is installed.
func New(primary Key, extra ...Key) (*Keyring, error) {
	kr := &Keyring{}
	if primary != nil {
		if !validSize(primary) {
			return nil, fmt.Errorf("keyring: invalid primary key size %d", len(primary))
		}
		kr.keys = append(kr.keys, append(Key(nil), primary...))
	}
	for _, k := range extra {
		if err := kr.Insert(k); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// Primary returns the current encryption key, or nil if the ring is empty.
func (k *Keyring) Primary() Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.keys) == 0 {
		return nil
	}
	return k.keys[0]
}

// Insert idempotently adds k to the tail of the ring.
func (k *Keyring) Insert(key Key) error {
	if !validSize(key) {
		return fmt.Errorf("keyring: invalid key size %d", len(key))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, existing := range k.keys {
		if equal(existing, key) {
			return nil
		}
	}
	k.keys = append(k.keys, append(Key(nil), key...))
	return nil
}

// Remove deletes key from the ring. Removing the primary key is rejected.
func (k *Keyring) Remove(key Key) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, existing := range k.keys {
		if equal(existing, key) {
			if i == 0 {
				return errs.ErrRemovePrimaryKey
			}
			k.keys = append(k.keys[:i], k.keys[i+1:]...)
			return nil
		}
	}
	return errs.ErrNotFound
}

// Use promotes an installed key to primary by swapping it with the old
// primary, which moves into the promoted key's former position.
func (k *Keyring) Use(key Key) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, existing := range k.keys {
		if equal(existing, key) {
			if i == 0 {
				return nil
			}
			k.keys[0], k.keys[i] = k.keys[i], k.keys[0]
			return nil
		}
	}
	return errs.ErrNotFound
}

// Keys yields the primary key first, then the rest in their current ring
// order. The codec tries decryption against this order. Because Use swaps
// positions, after a Use the non-primary keys are not necessarily in
// insertion order.
func (k *Keyring) Keys() []Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Key, len(k.keys))
	for i, key := range k.keys {
		out[i] = append(Key(nil), key...)
	}
	return out
}

// Len reports how many keys are installed.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}
