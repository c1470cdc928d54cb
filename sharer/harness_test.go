package sharer

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
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	to       *identity.Identity
	secretID interfaces.SecretID
	body     messages.Body
	onResult func(error)
}

type fakeOutbox struct {
	sent   []sentMessage
	timers []func()
}

func (o *fakeOutbox) Send(to *identity.Identity, secretID interfaces.SecretID, body messages.Body, onResult func(error)) {
	o.sent = append(o.sent, sentMessage{to: to, secretID: secretID, body: body, onResult: onResult})
}

func (o *fakeOutbox) After(_ time.Duration, fn func()) {
	o.timers = append(o.timers, fn)
}

// take returns and clears the recorded messages.
func (o *fakeOutbox) take() []sentMessage {
	out := o.sent
	o.sent = nil
	return out
}

func (o *fakeOutbox) fireTimers() {
	timers := o.timers
	o.timers = nil
	for _, fn := range timers {
		fn()
	}
}

type splitCall struct {
	n, threshold int
}

// recordingCrypto is the real provider with Split calls recorded.
type recordingCrypto struct {
	cryptoutils.Provider
	mu     sync.Mutex
	splits []splitCall
}

func (c *recordingCrypto) Split(id interfaces.SecretID, version int32, payload []byte, n, threshold int) ([][]byte, error) {
	c.mu.Lock()
	c.splits = append(c.splits, splitCall{n: n, threshold: threshold})
	c.mu.Unlock()
	return c.Provider.Split(id, version, payload, n, threshold)
}

func (c *recordingCrypto) lastSplit() splitCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.splits[len(c.splits)-1]
}

type eventLog struct {
	events []notification.Event
}

func (l *eventLog) listener(ev notification.Event) notification.Response {
	l.events = append(l.events, ev)
	return notification.Response{Proceed: true}
}

func (l *eventLog) count(t notification.Type) int {
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type testSharer struct {
	*Sharer
	out    *fakeOutbox
	crypto *recordingCrypto
	events *eventLog
}

func newTestSharer(t *testing.T, cfg Config) *testSharer {
	t.Helper()
	cp := &recordingCrypto{Provider: cryptoutils.NewProvider()}
	self, err := identity.NewLibIdentity(cp, "sharer", "sharer@example.com", "http://sharer")
	require.NoError(t, err)

	out := &fakeOutbox{}
	events := &eventLog{}
	s, err := New(Params{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   cfg,
		Crypto:   cp,
		Registry: identity.NewRegistry(),
		Self:     self,
		Outbox:   out,
		Notify:   events.listener,
	})
	require.NoError(t, err)
	return &testSharer{Sharer: s, out: out, crypto: cp, events: events}
}

type testHelper struct {
	lib    *identity.LibIdentity
	public *identity.Identity
}

func newTestHelpers(t *testing.T, n int) []*testHelper {
	t.Helper()
	cp := cryptoutils.NewProvider()
	var out []*testHelper
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		lib, err := identity.NewLibIdentity(cp, "helper-"+name, name+"@example.com", "http://helper-"+name)
		require.NoError(t, err)
		pub, err := identity.NewIdentity(cp, lib.Name, lib.Contact, lib.Address, lib.PublicEncryptionKey, nil)
		require.NoError(t, err)
		out = append(out, &testHelper{lib: lib, public: pub})
	}
	return out
}

func publicIdentities(helpers []*testHelper) []*identity.Identity {
	var out []*identity.Identity
	for _, h := range helpers {
		out = append(out, h.public)
	}
	return out
}

func (ts *testSharer) reply(t *testing.T, secretID interfaces.SecretID, from *testHelper, body messages.Body) {
	t.Helper()
	env := &messages.Envelope{SecretID: secretID, Body: body}
	require.NoError(t, ts.HandleMessage(env, from.public))
}

func (ts *testSharer) helperFor(helpers []*testHelper, to *identity.Identity) *testHelper {
	for _, h := range helpers {
		if h.public.EncryptionKeyDigest == to.EncryptionKeyDigest {
			return h
		}
	}
	return nil
}

// answerPairs accepts every outstanding Pair request.
func (ts *testSharer) answerPairs(t *testing.T, helpers []*testHelper, msgs []sentMessage) {
	t.Helper()
	for _, m := range msgs {
		req, ok := m.body.(*messages.PairRequest)
		if !ok {
			continue
		}
		h := ts.helperFor(helpers, m.to)
		require.NotNil(t, h)
		ts.reply(t, m.secretID, h, &messages.PairResponse{
			SenderKind:         interfaces.SenderHelper,
			Result:             messages.OK(),
			PublicSignatureKey: h.lib.PublicSignatureKey(),
			Nonce:              req.Nonce,
		})
	}
}

// answerChallenges stores shares and answers verification for the given helpers.
func (ts *testSharer) answerChallenges(t *testing.T, helpers []*testHelper, msgs []sentMessage) {
	t.Helper()
	for _, m := range msgs {
		h := ts.helperFor(helpers, m.to)
		if h == nil {
			continue
		}
		sec := ts.secrets[m.secretID]
		switch b := m.body.(type) {
		case *messages.StoreShareRequest:
			if len(b.Share) == 0 {
				continue
			}
			ts.reply(t, m.secretID, h, &messages.StoreShareResponse{Result: messages.OK(), Version: b.Version})
		case *messages.VerifyShareRequest:
			status := sec.helper(h.public.EncryptionKeyDigest)
			var committed []byte
			if v, ok := sec.versions[b.Version]; ok && v.share(status) != nil {
				committed = v.share(status).committed
			} else {
				committed = status.lastShare.committed
			}
			ts.reply(t, m.secretID, h, &messages.VerifyShareResponse{
				Result:  messages.OK(),
				Version: b.Version,
				Nonce:   b.Nonce,
				Hash:    verificationHash(committed, b.Nonce),
			})
		}
	}
}

func bodiesOf[T messages.Body](msgs []sentMessage) []T {
	var out []T
	for _, m := range msgs {
		if b, ok := m.body.(T); ok {
			out = append(out, b)
		}
	}
	return out
}

func verificationHash(committed, nonce []byte) []byte {
	return share.VerificationHash(committed, nonce)
}
