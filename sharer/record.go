package sharer

import (
	"errors"
	"fmt"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"go.dedis.ch/protobuf"
)

// SecretRecord is the plaintext protected by every version's shares: enough
// to rebuild the secret and its Helper roster. Sharer carries only the
// owner's public identity; private keys never leave the device.
type SecretRecord struct {
	SecretID    interfaces.SecretID
	Description string
	Version     int32
	Sharer      *identity.Identity
	Helpers     []RecordedHelper
	Payload     []byte
}

// RecordedHelper is one roster entry of a SecretRecord.
type RecordedHelper struct {
	Helper *identity.Identity
	Status interfaces.PairingStatus
}

type wireIdentity struct {
	Name                string
	Contact             string
	Address             string
	PublicEncryptionKey []byte
	PublicSignatureKey  []byte
}

func toWireIdentity(id *identity.Identity) wireIdentity {
	return wireIdentity{
		Name:                id.Name,
		Contact:             id.Contact,
		Address:             id.Address,
		PublicEncryptionKey: id.PublicEncryptionKey,
		PublicSignatureKey:  id.PublicSignatureKey(),
	}
}

func (w wireIdentity) toIdentity(d identity.Digester) (*identity.Identity, error) {
	return identity.NewIdentity(d, w.Name, w.Contact, w.Address, w.PublicEncryptionKey, w.PublicSignatureKey)
}

type wireHelper struct {
	Identity wireIdentity
	Status   int32
}

type wireSecretRecord struct {
	SecretID    []byte
	Description string
	Version     int32
	Sharer      wireIdentity
	Helpers     []wireHelper
	Payload     []byte
}

// createSecretMessage serializes the record protected by version v.
func (s *Sharer) createSecretMessage(sec *Secret, v *Version) ([]byte, error) {
	w := wireSecretRecord{
		SecretID:    sec.ID.Bytes(),
		Description: sec.Description,
		Version:     v.Number,
		Sharer:      toWireIdentity(s.self.Identity),
		Payload:     v.Payload,
	}
	for _, h := range sec.helpers {
		w.Helpers = append(w.Helpers, wireHelper{Identity: toWireIdentity(h.Helper), Status: int32(h.Status)})
	}
	data, err := protobuf.Encode(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret record: %w", err)
	}
	return data, nil
}

// ParseSecretMessage decodes a record produced for a version's shares.
func ParseSecretMessage(d identity.Digester, data []byte) (*SecretRecord, error) {
	if len(data) == 0 {
		return nil, errors.New("empty secret record")
	}
	var w wireSecretRecord
	if err := protobuf.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode secret record: %w", err)
	}
	id, err := interfaces.NewSecretIDFromBytes(w.SecretID)
	if err != nil {
		return nil, err
	}
	owner, err := w.Sharer.toIdentity(d)
	if err != nil {
		return nil, fmt.Errorf("invalid sharer identity in record: %w", err)
	}

	rec := &SecretRecord{
		SecretID:    id,
		Description: w.Description,
		Version:     w.Version,
		Sharer:      owner,
		Payload:     w.Payload,
	}
	for _, wh := range w.Helpers {
		h, err := wh.Identity.toIdentity(d)
		if err != nil {
			return nil, fmt.Errorf("invalid helper identity in record: %w", err)
		}
		rec.Helpers = append(rec.Helpers, RecordedHelper{Helper: h, Status: interfaces.PairingStatus(wh.Status)})
	}
	return rec, nil
}
