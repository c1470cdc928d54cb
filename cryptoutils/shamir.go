package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/share"
	"golang.org/x/crypto/chacha20poly1305"
)

// dataKeySize is the size of the per-version key that is actually Shamir-split.
const dataKeySize = chacha20poly1305.KeySize

// Split encrypts payload under a fresh data key, splits the data key into n
// Shamir shares with the given threshold and commits all n shares under one
// Merkle root. Every returned blob is a serialized share.CommittedShare.
func (Provider) Split(secretID interfaces.SecretID, version int32, payload []byte, n, threshold int) ([][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if n < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	dataKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer wipeBytes(dataKey)

	encrypted, err := encryptPayload(dataKey, secretID, version, payload)
	if err != nil {
		return nil, err
	}

	parts, err := shamir.Split(dataKey, n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split data key: %w", err)
	}

	inner := make([]*share.Share, len(parts))
	for i, part := range parts {
		// vault appends the x coordinate as the final byte of every part
		inner[i] = &share.Share{
			EncryptedSecret: encrypted,
			X:               part[len(part)-1:],
			Y:               part[:len(part)-1],
			SecretID:        secretID.Bytes(),
			Version:         version,
		}
	}

	committed, err := share.Commit(inner)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(committed))
	for i, cs := range committed {
		if out[i], err = cs.Marshal(); err != nil {
			return nil, fmt.Errorf("failed to encode committed share %d: %w", i, err)
		}
	}
	return out, nil
}

// Combine recombines the data key from committed shares and decrypts the
// payload. Shares from different commitments, or too few shares to decrypt,
// yield an error wrapping ErrInconsistentShares or ErrInsufficientShares.
func (Provider) Combine(secretID interfaces.SecretID, version int32, blobs [][]byte) ([]byte, error) {
	var (
		commitment []byte
		encrypted  []byte
		parts      [][]byte
		seenX      = make(map[byte]bool)
	)

	for i, blob := range blobs {
		cs, err := share.UnmarshalCommittedShare(blob)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		if err := cs.Verify(); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		inner, err := cs.Inner()
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		if !bytes.Equal(inner.SecretID, secretID[:]) || inner.Version != version {
			return nil, fmt.Errorf("share %d belongs to another secret or version: %w", i, interfaces.ErrInconsistentShares)
		}
		if len(inner.X) != 1 {
			return nil, fmt.Errorf("share %d: malformed x coordinate", i)
		}

		if commitment == nil {
			commitment, encrypted = cs.Commitment, inner.EncryptedSecret
		} else if !bytes.Equal(commitment, cs.Commitment) || !bytes.Equal(encrypted, inner.EncryptedSecret) {
			return nil, interfaces.ErrInconsistentShares
		}

		if seenX[inner.X[0]] {
			continue
		}
		seenX[inner.X[0]] = true
		parts = append(parts, append(append([]byte{}, inner.Y...), inner.X...))
	}

	if len(parts) < 2 {
		return nil, interfaces.ErrInsufficientShares
	}

	dataKey, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", interfaces.ErrInsufficientShares)
	}
	defer wipeBytes(dataKey)

	payload, err := decryptPayload(dataKey, secretID, version, encrypted)
	if err != nil {
		// below threshold the combined key is garbage and authentication fails
		return nil, interfaces.ErrInsufficientShares
	}
	return payload, nil
}

func payloadAAD(secretID interfaces.SecretID, version int32) []byte {
	aad := make([]byte, interfaces.SecretIDLength+4)
	copy(aad, secretID[:])
	binary.BigEndian.PutUint32(aad[interfaces.SecretIDLength:], uint32(version))
	return aad
}

func encryptPayload(key []byte, secretID interfaces.SecretID, version int32, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, payload, payloadAAD(secretID, version)), nil
}

func decryptPayload(key []byte, secretID interfaces.SecretID, version int32, encrypted []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(encrypted) < aead.NonceSize() {
		return nil, errors.New("encrypted payload too short")
	}
	nonce, ciphertext := encrypted[:aead.NonceSize()], encrypted[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, payloadAAD(secretID, version))
}
