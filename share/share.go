// Package share defines the committed share: one Shamir share of a version's
// data key bundled with the encrypted payload and a Merkle proof tying it to
// the set of shares issued to every Helper of that version.
package share

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/derec-engine/interfaces"
	"go.dedis.ch/protobuf"
)

// Share is the inner record handed to one Helper.
type Share struct {
	EncryptedSecret    []byte
	X                  []byte
	Y                  []byte
	SecretID           []byte
	Version            int32
	VersionDescription string
}

// Sibling is one step of a Merkle path.
type Sibling struct {
	// IsLeft is true when the sibling hash sits left of the running hash.
	IsLeft bool
	Hash   []byte
}

// CommittedShare is what a Helper stores and returns during recovery.
type CommittedShare struct {
	// Share is the serialized inner Share; its bytes are the Merkle leaf.
	Share      []byte
	Commitment []byte
	MerklePath []Sibling
}

// Marshal serializes the inner share.
func (s *Share) Marshal() ([]byte, error) {
	return protobuf.Encode(s)
}

// UnmarshalShare parses an inner share. The result does not alias data.
func UnmarshalShare(data []byte) (*Share, error) {
	var s Share
	if err := protobuf.Decode(bytes.Clone(data), &s); err != nil {
		return nil, fmt.Errorf("failed to decode share: %w", err)
	}
	return &s, nil
}

// Marshal serializes the committed share.
func (cs *CommittedShare) Marshal() ([]byte, error) {
	return protobuf.Encode(cs)
}

// UnmarshalCommittedShare parses a committed share. The decoder slices into
// its input, so data is copied first and the result never aliases it.
func UnmarshalCommittedShare(data []byte) (*CommittedShare, error) {
	if len(data) == 0 {
		return nil, errors.New("empty committed share")
	}
	var cs CommittedShare
	if err := protobuf.Decode(bytes.Clone(data), &cs); err != nil {
		return nil, fmt.Errorf("failed to decode committed share: %w", err)
	}
	if len(cs.Share) == 0 || len(cs.Commitment) == 0 {
		return nil, errors.New("committed share is missing its share or commitment")
	}
	return &cs, nil
}

// Inner parses the embedded share record.
func (cs *CommittedShare) Inner() (*Share, error) {
	return UnmarshalShare(cs.Share)
}

// Verify checks that the inner share is a leaf of the commitment tree.
func (cs *CommittedShare) Verify() error {
	h := leafHash(cs.Share)
	for _, sib := range cs.MerklePath {
		if sib.IsLeft {
			h = nodeHash(sib.Hash, h)
		} else {
			h = nodeHash(h, sib.Hash)
		}
	}
	if !bytes.Equal(h, cs.Commitment) {
		return interfaces.ErrInvalidCommitment
	}
	return nil
}

// Commit serializes every inner share and binds them under one Merkle root.
func Commit(shares []*Share) ([]*CommittedShare, error) {
	if len(shares) == 0 {
		return nil, errors.New("no shares to commit")
	}
	leaves := make([][]byte, len(shares))
	for i, s := range shares {
		raw, err := s.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to encode share %d: %w", i, err)
		}
		leaves[i] = raw
	}

	root, paths := buildTree(leaves)
	out := make([]*CommittedShare, len(shares))
	for i := range shares {
		out[i] = &CommittedShare{
			Share:      leaves[i],
			Commitment: root,
			MerklePath: paths[i],
		}
	}
	return out, nil
}

// VerificationHash is the answer a Helper returns to a VerifyShare challenge.
func VerificationHash(committedShare, nonce []byte) []byte {
	return crypto.Keccak256(committedShare, nonce)
}
