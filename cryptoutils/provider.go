package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/derec-engine/interfaces"
	"golang.org/x/crypto/curve25519"
)

// Provider is the default CryptoProvider: X25519 encryption keys, Ed25519
// signature keys, Keccak-256 key digests and Shamir-split data keys.
type Provider struct{}

var _ interfaces.CryptoProvider = Provider{}

// NewProvider returns the default provider.
func NewProvider() Provider {
	return Provider{}
}

// GenerateEncryptionKeypair returns a clamped X25519 keypair.
func (Provider) GenerateEncryptionKeypair() ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return pub, priv, nil
}

// GenerateSignatureKeypair returns an Ed25519 keypair.
func (Provider) GenerateSignatureKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Verify checks an Ed25519 signature.
func (Provider) Verify(payload, signature, publicSignKey []byte) bool {
	if len(publicSignKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicSignKey), payload, signature)
}

// Digest is the Keccak-256 hash of a public key.
func (Provider) Digest(publicKey []byte) interfaces.KeyDigest {
	return interfaces.KeyDigest(crypto.Keccak256Hash(publicKey))
}

// SignThenEncrypt signs payload with Ed25519 and seals signature||payload to
// the peer's X25519 key.
func (p Provider) SignThenEncrypt(payload, privateSignKey, peerPublicEncKey []byte) ([]byte, error) {
	if len(privateSignKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid signature private key")
	}
	sig := ed25519.Sign(ed25519.PrivateKey(privateSignKey), payload)

	plaintext := make([]byte, 0, len(sig)+len(payload))
	plaintext = append(plaintext, sig...)
	plaintext = append(plaintext, payload...)
	return sealToPublicKey(peerPublicEncKey, plaintext)
}

// Decrypt opens a sealed frame and returns signature||payload.
func (Provider) Decrypt(data, privateEncKey []byte) ([]byte, error) {
	return openWithPrivateKey(privateEncKey, data)
}
