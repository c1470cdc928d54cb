package notification

import (
	"crypto/sha256"
	"testing"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shaDigester struct{}

func (shaDigester) Digest(key []byte) interfaces.KeyDigest {
	return interfaces.KeyDigest(sha256.Sum256(key))
}

func TestAcceptAll_ReconcilesByNameAndContact(t *testing.T) {
	newKey, err := identity.NewIdentity(shaDigester{}, "alice", "alice@x", "http://new", []byte("new"), nil)
	require.NoError(t, err)
	oldKey, err := identity.NewIdentity(shaDigester{}, "alice", "alice@x", "http://old", []byte("old"), nil)
	require.NoError(t, err)
	stranger, err := identity.NewIdentity(shaDigester{}, "mallory", "m@x", "http://m", []byte("m"), nil)
	require.NoError(t, err)

	resp := Listener(nil).Deliver(Event{
		Type: RecoveryReconcile,
		Peer: newKey,
		Candidates: []Candidate{
			{Sharer: oldKey, SecretID: interfaces.SecretID{1}},
			{Sharer: stranger, SecretID: interfaces.SecretID{2}},
		},
	})
	assert.True(t, resp.Proceed)
	confirmed, ok := resp.ReferenceObject.([]Candidate)
	require.True(t, ok)
	require.Len(t, confirmed, 1)
	assert.Same(t, oldKey, confirmed[0].Sharer)
}

func TestListener_Deliver(t *testing.T) {
	var got []Type
	l := Listener(func(ev Event) Response {
		got = append(got, ev.Type)
		return Response{Proceed: false, Reason: "declined"}
	})
	resp := l.Deliver(Event{Type: PairRequest})
	assert.False(t, resp.Proceed)
	assert.Equal(t, "declined", resp.Reason)
	assert.Equal(t, []Type{PairRequest}, got)
	assert.Equal(t, "pair_request", PairRequest.String())
}
