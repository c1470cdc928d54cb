package identity

import (
	"sync"

	"github.com/ruteri/derec-engine/interfaces"
)

// Registry is the process-wide lookup of peer identities by key digest and of
// local keypairs by public key id. It is read by the inbound decoder outside
// command execution, so every access is synchronized.
type Registry struct {
	mu sync.RWMutex

	peers         map[interfaces.KeyDigest]*Identity
	local         map[interfaces.PublicKeyID]*LibIdentity
	localByDigest map[interfaces.KeyDigest]*LibIdentity
}

func NewRegistry() *Registry {
	return &Registry{
		peers:         make(map[interfaces.KeyDigest]*Identity),
		local:         make(map[interfaces.PublicKeyID]*LibIdentity),
		localByDigest: make(map[interfaces.KeyDigest]*LibIdentity),
	}
}

// AddPeer registers a peer and returns the canonical instance: if a peer with
// the same encryption key digest is already known, that one is returned.
func (r *Registry) AddPeer(id *Identity) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[id.EncryptionKeyDigest]; ok {
		if key := id.PublicSignatureKey(); key != nil && existing.PublicSignatureKey() == nil {
			if d, ok := id.SignatureKeyDigest(); ok {
				existing.sigKey.CompareAndSwap(nil, &signatureKey{key: key, digest: d})
				r.peers[d] = existing
			}
		}
		return existing
	}

	r.peers[id.EncryptionKeyDigest] = id
	if d, ok := id.SignatureKeyDigest(); ok {
		r.peers[d] = id
	}
	return id
}

// LearnSignatureKey sets a peer's signature key once and indexes its digest.
func (r *Registry) LearnSignatureKey(d Digester, id *Identity, key []byte) error {
	if err := id.SetSignatureKey(d, key); err != nil {
		return err
	}
	sd, _ := id.SignatureKeyDigest()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[sd] = id
	return nil
}

// Peer looks up a peer by the digest of either of its public keys.
func (r *Registry) Peer(d interfaces.KeyDigest) (*Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.peers[d]
	return id, ok
}

// RemovePeer forgets a peer under both of its digests.
func (r *Registry) RemovePeer(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id.EncryptionKeyDigest)
	if d, ok := id.SignatureKeyDigest(); ok {
		delete(r.peers, d)
	}
}

// AddLocal registers a local keypair so inbound frames addressed to it can be opened.
func (r *Registry) AddLocal(lib *LibIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[lib.PublicEncryptionKeyID] = lib
	r.localByDigest[lib.EncryptionKeyDigest] = lib
}

// LocalByKeyID returns the local keypair selected by a frame's key id prefix.
func (r *Registry) LocalByKeyID(kid interfaces.PublicKeyID) (*LibIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lib, ok := r.local[kid]
	return lib, ok
}

// LocalByDigest returns the local keypair whose encryption key has digest d.
func (r *Registry) LocalByDigest(d interfaces.KeyDigest) (*LibIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lib, ok := r.localByDigest[d]
	return lib, ok
}
