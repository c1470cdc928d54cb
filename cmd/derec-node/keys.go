package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
)

// ContactCard introduces a node's role identity to its peers out of band.
type ContactCard struct {
	Name          string        `json:"name"`
	Contact       string        `json:"contact"`
	Address       string        `json:"address"`
	EncryptionKey hexutil.Bytes `json:"encryption_key"`
	KeyID         uint32        `json:"key_id"`
}

// keyFile holds a role identity with its private keys.
type keyFile struct {
	Name              string        `json:"name"`
	Contact           string        `json:"contact"`
	EncryptionPublic  hexutil.Bytes `json:"encryption_public"`
	EncryptionPrivate hexutil.Bytes `json:"encryption_private"`
	SignaturePublic   hexutil.Bytes `json:"signature_public"`
	SignaturePrivate  hexutil.Bytes `json:"signature_private"`
}

func cardOf(id *identity.Identity) ContactCard {
	return ContactCard{
		Name:          id.Name,
		Contact:       id.Contact,
		Address:       id.Address,
		EncryptionKey: id.PublicEncryptionKey,
		KeyID:         uint32(id.PublicEncryptionKeyID),
	}
}

// Identity turns a card into a peer identity. The key id must match the key.
func (c ContactCard) Identity(d identity.Digester) (*identity.Identity, error) {
	id, err := identity.NewIdentity(d, c.Name, c.Contact, c.Address, c.EncryptionKey, nil)
	if err != nil {
		return nil, err
	}
	if id.PublicEncryptionKeyID != interfaces.PublicKeyID(c.KeyID) {
		return nil, fmt.Errorf("contact card %q: key id %d does not match its key", c.Name, c.KeyID)
	}
	return id, nil
}

func writeCard(path string, id *identity.Identity) error {
	data, err := json.MarshalIndent(cardOf(id), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readCards(d identity.Digester, paths []string) ([]*identity.Identity, error) {
	out := make([]*identity.Identity, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var card ContactCard
		if err := json.Unmarshal(data, &card); err != nil {
			return nil, fmt.Errorf("invalid contact card %s: %w", path, err)
		}
		id, err := card.Identity(d)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// loadOrCreateIdentity reads a role's key file, generating and saving fresh
// keys when it does not exist. The address always comes from configuration.
func loadOrCreateIdentity(cp interfaces.CryptoProvider, path, name, contact, address string) (*identity.LibIdentity, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		lib, err := identity.NewLibIdentity(cp, name, contact, address)
		if err != nil {
			return nil, false, err
		}
		kf := keyFile{
			Name:              name,
			Contact:           contact,
			EncryptionPublic:  lib.PublicEncryptionKey,
			EncryptionPrivate: lib.PrivateEncryptionKey,
			SignaturePublic:   lib.PublicSignatureKey(),
			SignaturePrivate:  lib.PrivateSignatureKey,
		}
		out, err := json.MarshalIndent(kf, "", "  ")
		if err != nil {
			return nil, false, err
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, false, err
		}
		return lib, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, false, fmt.Errorf("invalid key file %s: %w", path, err)
	}
	lib, err := identity.RestoreLibIdentity(cp, kf.Name, kf.Contact, address,
		kf.EncryptionPublic, kf.EncryptionPrivate, kf.SignaturePublic, kf.SignaturePrivate)
	return lib, false, err
}
