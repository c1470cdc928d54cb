package messages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ruteri/derec-engine/interfaces"
)

const keyIDPrefixSize = 4

// Sealed is a decrypted inbound frame whose signature has not been checked yet.
type Sealed struct {
	KeyID     interfaces.PublicKeyID
	Signature []byte
	Payload   []byte
	Envelope  *Envelope
}

// Seal encodes env, signs it with the sender's private signature key and
// encrypts signature||envelope to the recipient. The frame is prefixed with the
// recipient's 4-byte big-endian public key id.
func Seal(cp interfaces.CryptoProvider, env *Envelope, senderSignKey, recipientEncKey []byte, recipientKeyID interfaces.PublicKeyID) ([]byte, error) {
	payload, err := Encode(env)
	if err != nil {
		return nil, err
	}
	sealed, err := cp.SignThenEncrypt(payload, senderSignKey, recipientEncKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal envelope: %w", err)
	}

	out := make([]byte, keyIDPrefixSize+len(sealed))
	binary.BigEndian.PutUint32(out[:keyIDPrefixSize], uint32(recipientKeyID))
	copy(out[keyIDPrefixSize:], sealed)
	return out, nil
}

// KeyIDOf reads the recipient key id prefix of a frame.
func KeyIDOf(frame []byte) (interfaces.PublicKeyID, error) {
	if len(frame) <= keyIDPrefixSize {
		return 0, errors.New("frame too short")
	}
	return interfaces.PublicKeyID(binary.BigEndian.Uint32(frame[:keyIDPrefixSize])), nil
}

// Open decrypts a frame with the local private encryption key and decodes the
// envelope. The caller must verify Signature over Payload with the sender's key.
func Open(cp interfaces.CryptoProvider, frame, privateEncKey []byte) (*Sealed, error) {
	kid, err := KeyIDOf(frame)
	if err != nil {
		return nil, err
	}
	plain, err := cp.Decrypt(frame[keyIDPrefixSize:], privateEncKey)
	if err != nil {
		return nil, err
	}
	if len(plain) <= interfaces.SignatureSize {
		return nil, errors.New("decrypted frame too short")
	}

	sig, payload := plain[:interfaces.SignatureSize], plain[interfaces.SignatureSize:]
	env, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return &Sealed{KeyID: kid, Signature: sig, Payload: payload, Envelope: env}, nil
}
