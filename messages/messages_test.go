package messages

import (
	"math"
	"testing"
	"time"

	"github.com/ruteri/derec-engine/cryptoutils"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/protobuf"
)

func testEnvelope(t *testing.T, body Body) *Envelope {
	t.Helper()
	id, err := interfaces.NewSecretID()
	require.NoError(t, err)
	return &Envelope{
		ProtocolMajor: 0,
		ProtocolMinor: 9,
		Timestamp:     time.UnixMilli(time.Now().UnixMilli()),
		Sender:        interfaces.KeyDigest{1, 2, 3},
		Receiver:      interfaces.KeyDigest{4, 5, 6},
		SecretID:      id,
		Body:          body,
	}
}

func TestEncodeDecode_PreservesBodyVariant(t *testing.T) {
	bodies := []Body{
		&PairRequest{
			SenderKind:          interfaces.SenderSharerRecovery,
			PublicSignatureKey:  []byte("sig"),
			PublicEncryptionKey: []byte("enc"),
			PublicKeyID:         42,
			Communication:       CommunicationInfo{Name: "alice", Contact: "a@x", Address: "http://a"},
			Nonce:               99,
		},
		&StoreShareRequest{Share: []byte("cs"), Version: 4, KeepList: []int32{3, 4}},
		&GetSecretIdsVersionsResponse{
			Result:  OK(),
			Secrets: []VersionList{{SecretID: make([]byte, 16), Versions: []int32{1, 2}}},
		},
		&ErrorResponse{Result: Failure(interfaces.ResultUnknownSecretID, "no such secret")},
	}

	for _, body := range bodies {
		t.Run(body.Kind().String(), func(t *testing.T) {
			env := testEnvelope(t, body)
			raw, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, body.Kind(), decoded.Body.Kind())
			assert.Equal(t, env.Sender, decoded.Sender)
			assert.Equal(t, env.Receiver, decoded.Receiver)
			assert.Equal(t, env.SecretID, decoded.SecretID)
			assert.Equal(t, env.Timestamp.UnixMilli(), decoded.Timestamp.UnixMilli())
			assert.Equal(t, int32(9), decoded.ProtocolMinor)
		})
	}
}

func TestEncodeDecode_BodyFields(t *testing.T) {
	env := testEnvelope(t, &VerifyShareResponse{
		Result:  OK(),
		Version: 12,
		Nonce:   []byte("nonce"),
		Hash:    []byte("hash"),
	})
	raw, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	resp, ok := decoded.Body.(*VerifyShareResponse)
	require.True(t, ok)
	assert.Equal(t, int32(12), resp.Version)
	assert.Equal(t, []byte("nonce"), resp.Nonce)
	assert.Equal(t, []byte("hash"), resp.Hash)
	assert.Equal(t, interfaces.ResultOK, resp.Result.Status)
}

func TestEncodeDecode_PairNonceFullRange(t *testing.T) {
	for _, nonce := range []uint64{1, 1 << 62, 5081800315007117951, math.MaxUint64} {
		raw, err := Encode(testEnvelope(t, &PairRequest{SenderKind: interfaces.SenderSharerNonRecovery, Nonce: nonce}))
		require.NoError(t, err)
		decoded, err := Decode(raw)
		require.NoError(t, err)
		req, ok := decoded.Body.(*PairRequest)
		require.True(t, ok)
		assert.Equal(t, nonce, req.Nonce)

		raw, err = Encode(testEnvelope(t, &PairResponse{SenderKind: interfaces.SenderHelper, Result: OK(), Nonce: nonce}))
		require.NoError(t, err)
		decoded, err = Decode(raw)
		require.NoError(t, err)
		resp, ok := decoded.Body.(*PairResponse)
		require.True(t, ok)
		assert.Equal(t, nonce, resp.Nonce)
	}
}

func TestEncode_RejectsMissingBody(t *testing.T) {
	_, err := Encode(testEnvelope(t, nil))
	assert.Error(t, err)
}

func TestDecode_RejectsTwoBodies(t *testing.T) {
	w := wireEnvelope{
		SenderKeyDigest:   make([]byte, 32),
		ReceiverKeyDigest: make([]byte, 32),
		SecretID:          make([]byte, 16),
		Sharer:            &sharerBodies{UnpairRequest: &UnpairRequest{}},
		Helper:            &helperBodies{UnpairResponse: &UnpairResponse{}},
	}
	raw, err := protobuf.Encode(&w)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	cp := cryptoutils.NewProvider()
	encPub, encPriv, err := cp.GenerateEncryptionKeypair()
	require.NoError(t, err)
	sigPub, sigPriv, err := cp.GenerateSignatureKeypair()
	require.NoError(t, err)

	env := testEnvelope(t, &GetShareRequest{SecretID: make([]byte, 16), ShareVersion: 3})
	frame, err := Seal(cp, env, sigPriv, encPub, 0xdeadbeef)
	require.NoError(t, err)

	kid, err := KeyIDOf(frame)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PublicKeyID(0xdeadbeef), kid)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, frame[:4])

	opened, err := Open(cp, frame, encPriv)
	require.NoError(t, err)
	assert.True(t, cp.Verify(opened.Payload, opened.Signature, sigPub))
	req, ok := opened.Envelope.Body.(*GetShareRequest)
	require.True(t, ok)
	assert.Equal(t, int32(3), req.ShareVersion)

	_, err = KeyIDOf([]byte{1, 2})
	assert.Error(t, err)
}

func TestKind_FromSharer(t *testing.T) {
	assert.True(t, KindPairRequest.FromSharer())
	assert.True(t, KindGetShareRequest.FromSharer())
	assert.False(t, KindPairResponse.FromSharer())
	assert.False(t, KindErrorResponse.FromSharer())
}
