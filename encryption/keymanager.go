package encryption

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyManager holds the service's X25519 key pairs. Senders encrypt against
// the current key; rotation keeps previous keys available so in-flight
// requests still decrypt.
type KeyManager struct {
	mu sync.RWMutex

	currentID string
	keys      map[string]*ecdh.PrivateKey
}

// NewKeyManager creates a manager with one freshly generated key pair.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{keys: make(map[string]*ecdh.PrivateKey)}
	if _, err := km.Rotate(); err != nil {
		return nil, err
	}
	return km, nil
}

// Rotate generates a new key pair, makes it current, and returns its id.
// Previous keys remain valid for decryption.
func (km *KeyManager) Rotate() (string, error) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate key pair: %w", err)
	}

	id := uuid.NewString()
	km.mu.Lock()
	km.keys[id] = privateKey
	km.currentID = id
	km.mu.Unlock()
	return id, nil
}

// PrivateKey returns the private key for a key id.
func (km *KeyManager) PrivateKey(id string) (*ecdh.PrivateKey, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	key, ok := km.keys[id]
	return key, ok
}

// CurrentKeyID returns the id senders should encrypt against.
func (km *KeyManager) CurrentKeyID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentID
}

// PublicKeyBase64 returns the base64-encoded public key for a key id.
func (km *KeyManager) PublicKeyBase64(id string) (string, error) {
	km.mu.RLock()
	key, ok := km.keys[id]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown key id %q", id)
	}
	return base64.StdEncoding.EncodeToString(key.PublicKey().Bytes()), nil
}
