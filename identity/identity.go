// Package identity holds peer identities and the process-wide key registries
// used to authenticate and address wire messages.
package identity

import (
	"bytes"
	"fmt"

	"github.com/ruteri/derec-engine/interfaces"
	"go.uber.org/atomic"
)

// Digester hashes public keys into digests.
type Digester interface {
	Digest(publicKey []byte) interfaces.KeyDigest
}

type signatureKey struct {
	key    []byte
	digest interfaces.KeyDigest
}

// Identity is the public record of a protocol participant. Everything except
// the signature key is immutable after construction; the signature key may be
// learned exactly once from a peer's Pair message.
type Identity struct {
	Name    string
	Contact string
	Address string

	PublicEncryptionKey   []byte
	PublicEncryptionKeyID interfaces.PublicKeyID
	EncryptionKeyDigest   interfaces.KeyDigest

	sigKey atomic.Pointer[signatureKey]
}

// NewIdentity builds an identity and derives its digests and key id.
// signKey may be nil when it has not been learned yet.
func NewIdentity(d Digester, name, contact, address string, encKey, signKey []byte) (*Identity, error) {
	if len(encKey) == 0 {
		return nil, fmt.Errorf("identity %q: missing public encryption key", name)
	}
	id := &Identity{
		Name:                name,
		Contact:             contact,
		Address:             address,
		PublicEncryptionKey: bytes.Clone(encKey),
		EncryptionKeyDigest: d.Digest(encKey),
	}
	id.PublicEncryptionKeyID = interfaces.PublicKeyIDFromDigest(id.EncryptionKeyDigest)
	if len(signKey) > 0 {
		id.sigKey.Store(&signatureKey{key: bytes.Clone(signKey), digest: d.Digest(signKey)})
	}
	return id, nil
}

// PublicSignatureKey returns the learned signature key, or nil.
func (id *Identity) PublicSignatureKey() []byte {
	if k := id.sigKey.Load(); k != nil {
		return k.key
	}
	return nil
}

// SignatureKeyDigest returns the digest of the signature key and whether it is known.
func (id *Identity) SignatureKeyDigest() (interfaces.KeyDigest, bool) {
	if k := id.sigKey.Load(); k != nil {
		return k.digest, true
	}
	return interfaces.KeyDigest{}, false
}

// SetSignatureKey records the peer's signature key. Setting the same key again
// is a no-op; a different key is rejected.
func (id *Identity) SetSignatureKey(d Digester, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("identity %q: empty signature key", id.Name)
	}
	next := &signatureKey{key: bytes.Clone(key), digest: d.Digest(key)}
	if id.sigKey.CompareAndSwap(nil, next) {
		return nil
	}
	if bytes.Equal(id.PublicSignatureKey(), key) {
		return nil
	}
	return interfaces.ErrSignatureKeyAlreadySet
}

// Equal compares identities by name, contact, address and both public keys.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.Name == other.Name &&
		id.Contact == other.Contact &&
		id.Address == other.Address &&
		bytes.Equal(id.PublicEncryptionKey, other.PublicEncryptionKey) &&
		bytes.Equal(id.PublicSignatureKey(), other.PublicSignatureKey())
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s<%s>", id.Name, id.EncryptionKeyDigest)
}

// LibIdentity is the local role's identity together with its private keys.
type LibIdentity struct {
	*Identity

	PrivateEncryptionKey []byte
	PrivateSignatureKey  []byte
}

// NewLibIdentity generates fresh encryption and signature keypairs for a local role.
func NewLibIdentity(cp interfaces.CryptoProvider, name, contact, address string) (*LibIdentity, error) {
	encPub, encPriv, err := cp.GenerateEncryptionKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption keypair: %w", err)
	}
	sigPub, sigPriv, err := cp.GenerateSignatureKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signature keypair: %w", err)
	}
	return RestoreLibIdentity(cp, name, contact, address, encPub, encPriv, sigPub, sigPriv)
}

// RestoreLibIdentity rebuilds a local identity from existing key material.
func RestoreLibIdentity(d Digester, name, contact, address string, encPub, encPriv, sigPub, sigPriv []byte) (*LibIdentity, error) {
	pub, err := NewIdentity(d, name, contact, address, encPub, sigPub)
	if err != nil {
		return nil, err
	}
	return &LibIdentity{
		Identity:             pub,
		PrivateEncryptionKey: bytes.Clone(encPriv),
		PrivateSignatureKey:  bytes.Clone(sigPriv),
	}, nil
}
