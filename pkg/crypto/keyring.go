package crypto

import (
	"sync"
)

// KeyRing resolves verifiers by key id so chains remain verifiable across
// signing-key rotation. Each entry carries the key id it was signed under;
// verification looks the key up here rather than assuming a single key.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]Signer)}
}

// Add registers a signer under its key id. Later registrations with the same
// id replace earlier ones.
func (k *KeyRing) Add(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// Remove drops a key from the ring. Entries signed under a removed key can
// no longer be verified, which is the point of revoking a compromised key.
func (k *KeyRing) Remove(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

// Verify checks sigHex over data under the key identified by keyID. An
// unknown key id fails verification; with an empty keyID and exactly one
// registered key, that key is used (single-key deployments predate key ids
// in the wire format).
func (k *KeyRing) Verify(keyID string, data []byte, sigHex string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if keyID == "" {
		if len(k.signers) != 1 {
			return false
		}
		for _, s := range k.signers {
			return s.Verify(data, sigHex)
		}
	}
	s, ok := k.signers[keyID]
	if !ok {
		return false
	}
	return s.Verify(data, sigHex)
}

// Len returns the number of registered keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.signers)
}
