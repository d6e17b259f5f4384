// Package encryption implements the hybrid envelope protecting scoring
// request and response bodies in transit. Bids and scores only exist in
// plaintext inside the scoring process.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo domain-separates the derived AES key from any other use of the
// same ECDH shared secret.
const hkdfInfo = "sealedauction-envelope-v1"

const aesKeySize = 32

// Envelope is the wire form of one encrypted body. It is CBOR-encoded and
// then base64-wrapped by the transport layer.
type Envelope struct {
	// KeyID names the recipient key pair the sender encrypted against.
	KeyID string `cbor:"key_id"`

	// EphemeralPublicKey is the sender's one-shot X25519 public key.
	EphemeralPublicKey []byte `cbor:"ephemeral_public_key"`

	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// CryptoClient encrypts and decrypts envelope payloads. Implementations must
// be safe for concurrent use.
type CryptoClient interface {
	// Encrypt seals plaintext to the recipient public key.
	Encrypt(recipient *ecdh.PublicKey, keyID string, plaintext []byte) ([]byte, error)

	// Decrypt opens a CBOR-encoded envelope with the private key named by its
	// key id.
	Decrypt(envelope []byte) ([]byte, error)
}

// HybridClient implements CryptoClient with X25519 key agreement, HKDF key
// derivation, and AES-256-GCM authenticated encryption.
type HybridClient struct {
	keys *KeyManager
}

// NewHybridClient creates a client decrypting with the given key manager.
func NewHybridClient(keys *KeyManager) *HybridClient {
	return &HybridClient{keys: keys}
}

// Encrypt seals plaintext to the recipient's X25519 public key and returns
// the CBOR-encoded envelope.
func (c *HybridClient) Encrypt(recipient *ecdh.PublicKey, keyID string, plaintext []byte) ([]byte, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	// The ephemeral key is bound as additional data so it cannot be swapped
	// without failing authentication.
	ciphertext := gcm.Seal(nil, nonce, plaintext, ephemeralBytes)

	envelope := Envelope{
		KeyID:              keyID,
		EphemeralPublicKey: ephemeralBytes,
		Nonce:              nonce,
		Ciphertext:         ciphertext,
	}
	data, err := cbor.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decrypt opens an envelope encrypted against one of the managed keys.
func (c *HybridClient) Decrypt(data []byte) ([]byte, error) {
	var envelope Envelope
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	privateKey, ok := c.keys.PrivateKey(envelope.KeyID)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", envelope.KeyID)
	}

	ephemeral, err := ecdh.X25519().NewPublicKey(envelope.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}

	sharedSecret, err := privateKey.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}
	if len(envelope.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: expected %d bytes, got %d", gcm.NonceSize(), len(envelope.Nonce))
	}

	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Ciphertext, envelope.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// newGCM derives the AES-256 key from the shared secret via HKDF-SHA256 and
// builds the GCM instance.
func newGCM(sharedSecret []byte) (cipher.AEAD, error) {
	key := make([]byte, aesKeySize)
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
