package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var sealInfo = []byte("derec-seal-v1")

// sealToPublicKey encrypts data to an X25519 public key. A fresh ephemeral key
// is generated for each call.
//
// Format: [ephemeral public key (32 bytes)][nonce (12 bytes)][ciphertext]
func sealToPublicKey(peerPublicKey, data []byte) ([]byte, error) {
	if len(peerPublicKey) != curve25519.PointSize {
		return nil, errors.New("invalid X25519 public key length")
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer wipeBytes(ephPriv)

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	key, err := deriveSealKey(ephPriv, peerPublicKey, ephPub, peerPublicKey)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(data)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, ephPub), nil
}

// openWithPrivateKey decrypts data produced by sealToPublicKey.
func openWithPrivateKey(privateKey, sealed []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, errors.New("invalid X25519 private key length")
	}
	if len(sealed) < curve25519.PointSize+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	ephPub := sealed[:curve25519.PointSize]
	nonce := sealed[curve25519.PointSize : curve25519.PointSize+chacha20poly1305.NonceSize]
	ciphertext := sealed[curve25519.PointSize+chacha20poly1305.NonceSize:]

	ownPub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	key, err := deriveSealKey(privateKey, ephPub, ephPub, ownPub)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ephPub)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func deriveSealKey(priv, peer, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer wipeBytes(shared)

	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, sealInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf read error: %w", err)
	}
	return key, nil
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
