package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/derec-engine/common"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type inboundFixture struct {
	engine *Engine
	helper *identity.LibIdentity
	sharer *identity.LibIdentity
	secret interfaces.SecretID
}

func newInboundFixture(t *testing.T) *inboundFixture {
	helperID, err := identity.NewLibIdentity(cp, "helper", "h@example.com", "helper")
	require.NoError(t, err)
	sharerID, err := identity.NewLibIdentity(cp, "sharer", "s@example.com", "sharer")
	require.NoError(t, err)
	secret, err := interfaces.NewSecretID()
	require.NoError(t, err)

	e, err := New(Params{
		Log:            common.DiscardLogger(),
		Config:         testConfig(),
		Crypto:         cp,
		Transport:      transport.NewLoopbackNetwork(),
		HelperIdentity: helperID,
		Now:            func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return &inboundFixture{engine: e, helper: helperID, sharer: sharerID, secret: secret}
}

func (f *inboundFixture) pairRequest(from *identity.LibIdentity) *messages.PairRequest {
	return &messages.PairRequest{
		SenderKind:          interfaces.SenderSharerNonRecovery,
		PublicSignatureKey:  from.PublicSignatureKey(),
		PublicEncryptionKey: from.PublicEncryptionKey,
		PublicKeyID:         uint32(from.PublicEncryptionKeyID),
		Communication:       messages.CommunicationInfo{Name: from.Name, Contact: from.Contact, Address: from.Address},
		Nonce:               7,
	}
}

func (f *inboundFixture) envelope(body messages.Body) *messages.Envelope {
	return &messages.Envelope{
		ProtocolMajor: common.ProtocolVersionMajor,
		ProtocolMinor: common.ProtocolVersionMinor,
		Timestamp:     fixedNow,
		Sender:        f.sharer.EncryptionKeyDigest,
		Receiver:      f.helper.EncryptionKeyDigest,
		SecretID:      f.secret,
		Body:          body,
	}
}

func (f *inboundFixture) seal(t *testing.T, env *messages.Envelope, signKey []byte) []byte {
	frame, err := messages.Seal(cp, env, signKey, f.helper.PublicEncryptionKey, f.helper.PublicEncryptionKeyID)
	require.NoError(t, err)
	return frame
}

func dropReason(err error) string {
	var d *dropError
	if errors.As(err, &d) {
		return d.reason
	}
	return ""
}

func TestAuthenticatePairRequestIntroducesSender(t *testing.T) {
	f := newInboundFixture(t)

	in, err := f.engine.authenticate(f.seal(t, f.envelope(f.pairRequest(f.sharer)), f.sharer.PrivateSignatureKey))
	require.NoError(t, err)
	assert.Equal(t, f.sharer.EncryptionKeyDigest, in.peer.EncryptionKeyDigest)
	assert.Equal(t, "sharer", in.peer.Address)

	peer, ok := f.engine.Registry().Peer(f.sharer.EncryptionKeyDigest)
	require.True(t, ok)
	assert.Equal(t, f.sharer.PublicSignatureKey(), peer.PublicSignatureKey())

	// Later requests are authenticated with the learned key.
	in, err = f.engine.authenticate(f.seal(t, f.envelope(&messages.GetSecretIdsVersionsRequest{}), f.sharer.PrivateSignatureKey))
	require.NoError(t, err)
	assert.Same(t, peer, in.peer)
}

func TestAuthenticateDrops(t *testing.T) {
	f := newInboundFixture(t)
	other, err := identity.NewLibIdentity(cp, "mallory", "m@example.com", "mallory")
	require.NoError(t, err)

	tests := []struct {
		name   string
		frame  func() []byte
		reason string
	}{
		{
			name:   "truncated",
			frame:  func() []byte { return []byte{1, 2} },
			reason: dropMalformed,
		},
		{
			name:   "unknown key id",
			frame:  func() []byte { return []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3} },
			reason: dropUnknownReceiver,
		},
		{
			name: "corrupted ciphertext",
			frame: func() []byte {
				frame := f.seal(t, f.envelope(f.pairRequest(f.sharer)), f.sharer.PrivateSignatureKey)
				frame[len(frame)-1] ^= 0xff
				return frame
			},
			reason: dropMalformed,
		},
		{
			name: "newer major version",
			frame: func() []byte {
				env := f.envelope(f.pairRequest(f.sharer))
				env.ProtocolMajor = common.ProtocolVersionMajor + 1
				return f.seal(t, env, f.sharer.PrivateSignatureKey)
			},
			reason: dropUnsupported,
		},
		{
			name: "stale timestamp",
			frame: func() []byte {
				env := f.envelope(f.pairRequest(f.sharer))
				env.Timestamp = fixedNow.Add(-time.Hour)
				return f.seal(t, env, f.sharer.PrivateSignatureKey)
			},
			reason: dropStale,
		},
		{
			name: "receiver digest mismatch",
			frame: func() []byte {
				env := f.envelope(f.pairRequest(f.sharer))
				env.Receiver = other.EncryptionKeyDigest
				return f.seal(t, env, f.sharer.PrivateSignatureKey)
			},
			reason: dropUnknownReceiver,
		},
		{
			name: "pair request for someone else's key",
			frame: func() []byte {
				return f.seal(t, f.envelope(f.pairRequest(other)), other.PrivateSignatureKey)
			},
			reason: dropUnknownSender,
		},
		{
			name: "pair request signed with another key",
			frame: func() []byte {
				return f.seal(t, f.envelope(f.pairRequest(f.sharer)), other.PrivateSignatureKey)
			},
			reason: dropBadSignature,
		},
		{
			name: "request from unknown sender",
			frame: func() []byte {
				return f.seal(t, f.envelope(&messages.GetSecretIdsVersionsRequest{}), f.sharer.PrivateSignatureKey)
			},
			reason: dropUnknownSender,
		},
		{
			name: "response sent to a helper",
			frame: func() []byte {
				return f.seal(t, f.envelope(&messages.StoreShareResponse{Result: messages.OK(), Version: 1}), f.sharer.PrivateSignatureKey)
			},
			reason: dropWrongRole,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.authenticate(tt.frame())
			require.Error(t, err)
			assert.Equal(t, tt.reason, dropReason(err))
		})
	}
}

func TestAuthenticateRejectsChangedSignatureKey(t *testing.T) {
	f := newInboundFixture(t)

	_, err := f.engine.authenticate(f.seal(t, f.envelope(f.pairRequest(f.sharer)), f.sharer.PrivateSignatureKey))
	require.NoError(t, err)

	// Same encryption key, new signature key.
	sigPub, sigPriv, err := cp.GenerateSignatureKeypair()
	require.NoError(t, err)
	req := f.pairRequest(f.sharer)
	req.PublicSignatureKey = sigPub

	_, err = f.engine.authenticate(f.seal(t, f.envelope(req), sigPriv))
	require.Error(t, err)
	assert.Equal(t, dropSignatureMismatch, dropReason(err))
	assert.ErrorIs(t, err, interfaces.ErrSignatureKeyAlreadySet)
}

func TestHandleInboundBytesSwallowsDrops(t *testing.T) {
	f := newInboundFixture(t)
	f.engine.Start()
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })

	assert.NoError(t, f.engine.HandleInboundBytes([]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3}))
	assert.NoError(t, f.engine.HandleInboundBytes(f.seal(t, f.envelope(f.pairRequest(f.sharer)), f.sharer.PrivateSignatureKey)))

	assert.Eventually(t, func() bool {
		statuses, err := f.engine.HelperStatuses()
		return err == nil && len(statuses) == 1 && statuses[0].Status == interfaces.StatusPaired
	}, waitFor, pollAt)
}

func TestAuthenticateDropsReplayedFrames(t *testing.T) {
	f := newInboundFixture(t)

	_, err := f.engine.authenticate(f.seal(t, f.envelope(f.pairRequest(f.sharer)), f.sharer.PrivateSignatureKey))
	require.NoError(t, err)

	unpair := f.seal(t, f.envelope(&messages.UnpairRequest{Memo: "bye"}), f.sharer.PrivateSignatureKey)
	_, err = f.engine.authenticate(unpair)
	require.NoError(t, err)

	_, err = f.engine.authenticate(unpair)
	require.Error(t, err)
	assert.Equal(t, dropReplayed, dropReason(err))
	assert.ErrorIs(t, err, interfaces.ErrDuplicateMessage)

	// Sealing is randomized; the same signed envelope in a fresh frame is
	// still a duplicate.
	_, err = f.engine.authenticate(f.seal(t, f.envelope(&messages.UnpairRequest{Memo: "bye"}), f.sharer.PrivateSignatureKey))
	assert.Equal(t, dropReplayed, dropReason(err))

	// A later message with the same body is new.
	env := f.envelope(&messages.UnpairRequest{Memo: "bye"})
	env.Timestamp = fixedNow.Add(time.Millisecond)
	_, err = f.engine.authenticate(f.seal(t, env, f.sharer.PrivateSignatureKey))
	assert.NoError(t, err)
}
