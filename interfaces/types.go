package interfaces

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SecretIDLength is the byte length of every SecretID.
const SecretIDLength = 16

// SecretID identifies a secret across Sharer and Helpers.
type SecretID [SecretIDLength]byte

// NewSecretID returns a random secret id.
func NewSecretID() (SecretID, error) {
	var id SecretID
	if _, err := rand.Read(id[:]); err != nil {
		return SecretID{}, fmt.Errorf("failed to generate secret id: %w", err)
	}
	return id, nil
}

// NewSecretIDFromBytes converts raw bytes into a SecretID with length validation.
func NewSecretIDFromBytes(source []byte) (SecretID, error) {
	if len(source) != SecretIDLength {
		return SecretID{}, fmt.Errorf("invalid secret id length %d: must be %d bytes", len(source), SecretIDLength)
	}
	var id SecretID
	copy(id[:], source)
	return id, nil
}

// NewSecretIDFromHex parses a 0x-prefixed or bare hex secret id.
func NewSecretIDFromHex(source string) (SecretID, error) {
	if !strings.HasPrefix(source, "0x") {
		source = "0x" + source
	}
	raw, err := hexutil.Decode(source)
	if err != nil {
		return SecretID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewSecretIDFromBytes(raw)
}

// String returns the 0x-prefixed hex representation.
func (id SecretID) String() string {
	return hexutil.Encode(id[:])
}

// Bytes returns a copy of the raw id.
func (id SecretID) Bytes() []byte {
	out := make([]byte, SecretIDLength)
	copy(out, id[:])
	return out
}

// KeyDigest is the 32-byte digest of a public key.
type KeyDigest [32]byte

// NewKeyDigestFromBytes converts raw bytes into a KeyDigest.
func NewKeyDigestFromBytes(source []byte) (KeyDigest, error) {
	if len(source) != 32 {
		return KeyDigest{}, errors.New("invalid key digest: incorrect length")
	}
	var d KeyDigest
	copy(d[:], source)
	return d, nil
}

// String returns a short hex form suitable for logs.
func (d KeyDigest) String() string {
	return hexutil.Encode(d[:8])
}

// Bytes returns a copy of the raw digest.
func (d KeyDigest) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, d[:])
	return out
}

// IsZero reports whether the digest is unset.
func (d KeyDigest) IsZero() bool {
	return d == KeyDigest{}
}

// PublicKeyID is the 32-bit identifier of a public encryption key. It prefixes
// every wire frame so the recipient can pick the matching private key.
type PublicKeyID uint32

// PublicKeyIDFromDigest derives the key id from the first four bytes of the key digest.
func PublicKeyIDFromDigest(d KeyDigest) PublicKeyID {
	return PublicKeyID(binary.BigEndian.Uint32(d[:4]))
}

// PairingStatus is the pairing state of a HelperStatus (Sharer side) or a
// SharerStatus (Helper side).
type PairingStatus int32

const (
	StatusNone PairingStatus = iota
	StatusInvited
	StatusPaired
	StatusRefused
	StatusFailed
	StatusPendingRemoval
)

func (s PairingStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusInvited:
		return "invited"
	case StatusPaired:
		return "paired"
	case StatusRefused:
		return "refused"
	case StatusFailed:
		return "failed"
	case StatusPendingRemoval:
		return "pending_removal"
	default:
		return "unknown"
	}
}

// SenderKind declares the role of the party sending a Pair message.
type SenderKind int32

const (
	SenderSharerNonRecovery SenderKind = iota
	SenderSharerRecovery
	SenderHelper
)

func (k SenderKind) String() string {
	switch k {
	case SenderSharerNonRecovery:
		return "sharer_non_recovery"
	case SenderSharerRecovery:
		return "sharer_recovery"
	case SenderHelper:
		return "helper"
	default:
		return "unknown"
	}
}

// ResultStatus is the protocol-level outcome carried by every response.
type ResultStatus int32

const (
	ResultOK ResultStatus = iota
	ResultFail
	ResultUnknownSecretID
	ResultUnknownShare
	ResultNotPaired
	ResultRejected
	ResultUnknownError
)

func (s ResultStatus) String() string {
	switch s {
	case ResultOK:
		return "ok"
	case ResultFail:
		return "fail"
	case ResultUnknownSecretID:
		return "unknown_secret_id"
	case ResultUnknownShare:
		return "unknown_share"
	case ResultNotPaired:
		return "not_paired"
	case ResultRejected:
		return "rejected"
	case ResultUnknownError:
		return "unknown_error"
	default:
		return "unknown"
	}
}
