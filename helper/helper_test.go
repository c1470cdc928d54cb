package helper

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/derec-engine/cryptoutils"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/notification"
	"github.com/ruteri/derec-engine/share"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	timers []func()
}

func (s *fakeScheduler) After(_ time.Duration, fn func()) {
	s.timers = append(s.timers, fn)
}

func (s *fakeScheduler) fire() {
	timers := s.timers
	s.timers = nil
	for _, fn := range timers {
		fn()
	}
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) deliver(ev notification.Event) notification.Response {
	args := m.MethodCalled("deliver", ev)
	return args.Get(0).(notification.Response)
}

type testEnv struct {
	helper *Helper
	sched  *fakeScheduler
	cp     cryptoutils.Provider
}

func newTestHelper(t *testing.T, listener notification.Listener) *testEnv {
	t.Helper()
	cp := cryptoutils.NewProvider()
	self, err := identity.NewLibIdentity(cp, "helper", "helper@example.com", "http://helper")
	require.NoError(t, err)
	sched := &fakeScheduler{}
	h, err := New(Params{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:    DefaultConfig(),
		Crypto:    cp,
		Registry:  identity.NewRegistry(),
		Self:      self,
		Scheduler: sched,
		Notify:    listener,
	})
	require.NoError(t, err)
	return &testEnv{helper: h, sched: sched, cp: cp}
}

func newSharerIdentity(t *testing.T, cp interfaces.CryptoProvider, name string) *identity.Identity {
	t.Helper()
	lib, err := identity.NewLibIdentity(cp, name, name+"@example.com", "http://"+name)
	require.NoError(t, err)
	return lib.Identity
}

func (e *testEnv) send(t *testing.T, from *identity.Identity, secretID interfaces.SecretID, body messages.Body) messages.Body {
	t.Helper()
	resp, err := e.helper.HandleMessage(&messages.Envelope{SecretID: secretID, Body: body}, from)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func (e *testEnv) pair(t *testing.T, from *identity.Identity, secretID interfaces.SecretID, kind interfaces.SenderKind) *messages.PairResponse {
	t.Helper()
	resp := e.send(t, from, secretID, &messages.PairRequest{
		SenderKind:          kind,
		PublicSignatureKey:  from.PublicSignatureKey(),
		PublicEncryptionKey: from.PublicEncryptionKey,
		Nonce:               42,
	})
	pr, ok := resp.(*messages.PairResponse)
	require.True(t, ok)
	return pr
}

func (e *testEnv) committedShares(t *testing.T, secretID interfaces.SecretID, version int32) [][]byte {
	t.Helper()
	blobs, err := e.cp.Split(secretID, version, []byte("record"), 2, 2)
	require.NoError(t, err)
	return blobs
}

func storeResult(t *testing.T, body messages.Body) messages.Result {
	t.Helper()
	resp, ok := body.(*messages.StoreShareResponse)
	require.True(t, ok)
	return resp.Result
}

func TestPair_RespondsWithNonceAndKeys(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}

	resp := env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	assert.Equal(t, interfaces.ResultOK, resp.Result.Status)
	assert.Equal(t, uint64(42), resp.Nonce)
	assert.Equal(t, interfaces.SenderHelper, resp.SenderKind)
	assert.Equal(t, env.helper.Identity().PublicSignatureKey(), resp.PublicSignatureKey)
	assert.True(t, env.helper.IsPaired(sharer.EncryptionKeyDigest, id))

	// A retransmission is answered again.
	resp = env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	assert.Equal(t, interfaces.ResultOK, resp.Result.Status)
}

func TestPair_DeclinedByApplication(t *testing.T) {
	ml := &mockListener{}
	ml.On("deliver", mock.MatchedBy(func(ev notification.Event) bool {
		return ev.Type == notification.PairRequest
	})).Return(notification.Response{Proceed: false, Reason: "unknown contact"}).Once()

	env := newTestHelper(t, ml.deliver)
	sharer := newSharerIdentity(t, env.cp, "mallory")
	resp := env.pair(t, sharer, interfaces.SecretID{1}, interfaces.SenderSharerNonRecovery)

	assert.Equal(t, interfaces.ResultRejected, resp.Result.Status)
	assert.Equal(t, "unknown contact", resp.Result.Memo)
	assert.False(t, env.helper.IsPaired(sharer.EncryptionKeyDigest, interfaces.SecretID{1}))
	ml.AssertExpectations(t)
}

func TestStoreShare_RequiresPairing(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}
	blobs := env.committedShares(t, id, 1)

	res := storeResult(t, env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: 1}))
	assert.Equal(t, interfaces.ResultNotPaired, res.Status)
	assert.Zero(t, env.helper.StoredShares())
}

func TestStoreShare_VerifiesCommitment(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}
	env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	blobs := env.committedShares(t, id, 1)

	cs, err := share.UnmarshalCommittedShare(blobs[0])
	require.NoError(t, err)
	cs.Commitment[0] ^= 0xff
	tampered, err := cs.Marshal()
	require.NoError(t, err)

	res := storeResult(t, env.send(t, sharer, id, &messages.StoreShareRequest{Share: tampered, Version: 1}))
	assert.Equal(t, interfaces.ResultFail, res.Status)

	res = storeResult(t, env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: 2}))
	assert.Equal(t, interfaces.ResultFail, res.Status, "version mismatch")

	res = storeResult(t, env.send(t, sharer, interfaces.SecretID{2}, &messages.StoreShareRequest{Share: blobs[0], Version: 1}))
	assert.Equal(t, interfaces.ResultNotPaired, res.Status)

	res = storeResult(t, env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: 1}))
	assert.Equal(t, interfaces.ResultOK, res.Status)
	assert.Equal(t, 1, env.helper.StoredShares())
}

func TestVerifyShare_ReturnsHashOverShareAndNonce(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}
	env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	blobs := env.committedShares(t, id, 3)
	env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: 3, KeepList: []int32{3}})

	nonce := []byte("0123456789abcdef")
	resp, ok := env.send(t, sharer, id, &messages.VerifyShareRequest{Version: 3, Nonce: nonce}).(*messages.VerifyShareResponse)
	require.True(t, ok)
	assert.Equal(t, interfaces.ResultOK, resp.Result.Status)
	assert.Equal(t, share.VerificationHash(blobs[0], nonce), resp.Hash)
	assert.Equal(t, nonce, resp.Nonce)

	resp, ok = env.send(t, sharer, id, &messages.VerifyShareRequest{Version: 4, Nonce: nonce}).(*messages.VerifyShareResponse)
	require.True(t, ok)
	assert.Equal(t, interfaces.ResultUnknownShare, resp.Result.Status)
}

func TestStoreShare_KeepListPrunes(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}
	env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)

	for v := int32(1); v <= 3; v++ {
		blobs := env.committedShares(t, id, v)
		env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: v, KeepList: []int32{1, 2, 3}})
	}
	require.Equal(t, 3, env.helper.StoredShares())

	res := storeResult(t, env.send(t, sharer, id, &messages.StoreShareRequest{KeepList: []int32{3}}))
	assert.Equal(t, interfaces.ResultOK, res.Status)
	assert.Equal(t, 1, env.helper.StoredShares())

	list, ok := env.send(t, sharer, id, &messages.GetSecretIdsVersionsRequest{}).(*messages.GetSecretIdsVersionsResponse)
	require.True(t, ok)
	require.Len(t, list.Secrets, 1)
	assert.Equal(t, []int32{3}, list.Secrets[0].Versions)
}

func TestUnpair_DiscardsSharesAfterGrace(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}
	env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	blobs := env.committedShares(t, id, 1)
	env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: 1})

	resp, ok := env.send(t, sharer, id, &messages.UnpairRequest{Memo: "bye"}).(*messages.UnpairResponse)
	require.True(t, ok)
	assert.Equal(t, interfaces.ResultOK, resp.Result.Status)
	assert.False(t, env.helper.IsPaired(sharer.EncryptionKeyDigest, id))
	assert.Equal(t, 1, env.helper.StoredShares(), "kept during grace period")

	env.sched.fire()
	assert.Zero(t, env.helper.StoredShares())
	assert.Empty(t, env.helper.SharerStatuses())

	resp, ok = env.send(t, sharer, id, &messages.UnpairRequest{}).(*messages.UnpairResponse)
	require.True(t, ok)
	assert.Equal(t, interfaces.ResultNotPaired, resp.Result.Status)
}

func TestUnpair_RepairedSharerKeepsShares(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{1}
	env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	env.send(t, sharer, id, &messages.UnpairRequest{})

	pr := env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
	require.Equal(t, interfaces.ResultOK, pr.Result.Status)
	blobs := env.committedShares(t, id, 2)
	res := storeResult(t, env.send(t, sharer, id, &messages.StoreShareRequest{Share: blobs[0], Version: 2}))
	require.Equal(t, interfaces.ResultOK, res.Status)

	env.sched.fire()
	assert.True(t, env.helper.IsPaired(sharer.EncryptionKeyDigest, id))
	assert.Equal(t, 1, env.helper.StoredShares())
}

func TestRecovery_ReconciledSharerReadsPriorShares(t *testing.T) {
	env := newTestHelper(t, nil)
	oldKey := newSharerIdentity(t, env.cp, "alice")
	id := interfaces.SecretID{7}
	env.pair(t, oldKey, id, interfaces.SenderSharerNonRecovery)
	blobs := env.committedShares(t, id, 5)
	env.send(t, oldKey, id, &messages.StoreShareRequest{Share: blobs[1], Version: 5})

	// Same person under a new key; a stranger is never reconciled.
	newKey := newSharerIdentity(t, env.cp, "alice")
	stranger := newSharerIdentity(t, env.cp, "bob")
	placeholder := interfaces.SecretID{9}

	resp := env.pair(t, newKey, placeholder, interfaces.SenderSharerRecovery)
	require.Equal(t, interfaces.ResultOK, resp.Result.Status)
	env.pair(t, stranger, placeholder, interfaces.SenderSharerRecovery)

	list, ok := env.send(t, newKey, placeholder, &messages.GetSecretIdsVersionsRequest{}).(*messages.GetSecretIdsVersionsResponse)
	require.True(t, ok)
	require.Len(t, list.Secrets, 1)
	assert.Equal(t, id.Bytes(), list.Secrets[0].SecretID)
	assert.Equal(t, []int32{5}, list.Secrets[0].Versions)

	got, ok := env.send(t, newKey, placeholder, &messages.GetShareRequest{SecretID: id.Bytes(), ShareVersion: 5}).(*messages.GetShareResponse)
	require.True(t, ok)
	assert.Equal(t, interfaces.ResultOK, got.Result.Status)
	assert.Equal(t, blobs[1], got.CommittedShare)

	denied, ok := env.send(t, stranger, placeholder, &messages.GetShareRequest{SecretID: id.Bytes(), ShareVersion: 5}).(*messages.GetShareResponse)
	require.True(t, ok)
	assert.Equal(t, interfaces.ResultUnknownShare, denied.Result.Status)

	// The recovered sharer continues the secret under its new key.
	next := env.committedShares(t, id, 6)
	res := storeResult(t, env.send(t, newKey, id, &messages.StoreShareRequest{Share: next[0], Version: 6}))
	assert.Equal(t, interfaces.ResultOK, res.Status)
	assert.True(t, env.helper.IsPaired(newKey.EncryptionKeyDigest, id))
}

func TestIsPaired_ConcurrentReaders(t *testing.T) {
	env := newTestHelper(t, nil)
	sharer := newSharerIdentity(t, env.cp, "alice")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					env.helper.IsPaired(sharer.EncryptionKeyDigest, interfaces.SecretID{1})
					env.helper.SharerStatuses()
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		id := interfaces.SecretID{byte(i)}
		env.pair(t, sharer, id, interfaces.SenderSharerNonRecovery)
		env.send(t, sharer, id, &messages.UnpairRequest{})
	}
	close(stop)
	wg.Wait()
	env.sched.fire()
	assert.Empty(t, env.helper.SharerStatuses())
}
