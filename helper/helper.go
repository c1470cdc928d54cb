// Package helper implements the Helper role: it pairs with Sharers, stores
// their committed shares, answers verification challenges and hands shares
// back to a recovering Sharer.
package helper

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/notification"
)

// Scheduler runs fn as a serialized command once d has elapsed.
type Scheduler interface {
	After(d time.Duration, fn func())
}

type Config struct {
	RemovalGracePeriod time.Duration
	// Parameters are advertised on pairing; MaxShareSize also bounds accepted shares.
	Parameters messages.ParameterRange
}

func DefaultConfig() Config {
	return Config{
		RemovalGracePeriod: 20 * time.Second,
		Parameters: messages.ParameterRange{
			MinShareSize:              1,
			MaxShareSize:              1 << 20,
			MinTimeBetweenVerifyMs:    1000,
			MaxUnansweredVerification: 60,
		},
	}
}

// SharerStatus is the Helper's view of one Sharer for one secret.
type SharerStatus struct {
	Sharer       *identity.Identity
	SecretID     interfaces.SecretID
	Status       interfaces.PairingStatus
	IsRecovering bool
}

type statusKey struct {
	sharer interfaces.KeyDigest
	secret interfaces.SecretID
}

type shareKey struct {
	sharer  interfaces.KeyDigest
	secret  interfaces.SecretID
	version int32
}

// StoredShare is a committed share held for a Sharer.
type StoredShare struct {
	Owner       *SharerStatus
	Version     int32
	Description string
	Committed   []byte
	StoredAt    time.Time
}

type Helper struct {
	log      *slog.Logger
	cfg      Config
	cp       interfaces.CryptoProvider
	registry *identity.Registry
	self     *identity.LibIdentity
	sched    Scheduler
	notify   notification.Listener
	now      func() time.Time

	// statuses is read by the inbound decoder outside command execution.
	mu       sync.RWMutex
	statuses map[statusKey]*SharerStatus

	shares map[shareKey]*StoredShare
	// recovered maps a recovering Sharer's key digest to the prior pairings
	// the application confirmed as its own.
	recovered map[interfaces.KeyDigest][]*SharerStatus
}

type Params struct {
	Log       *slog.Logger
	Config    Config
	Crypto    interfaces.CryptoProvider
	Registry  *identity.Registry
	Self      *identity.LibIdentity
	Scheduler Scheduler
	Notify    notification.Listener
	Now       func() time.Time
}

func New(p Params) (*Helper, error) {
	if p.Crypto == nil || p.Registry == nil || p.Self == nil || p.Scheduler == nil {
		return nil, errors.New("helper requires crypto, registry, identity and scheduler")
	}
	if p.Config.RemovalGracePeriod < 0 {
		return nil, errors.New("removal grace period must not be negative")
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Helper{
		log:       p.Log,
		cfg:       p.Config,
		cp:        p.Crypto,
		registry:  p.Registry,
		self:      p.Self,
		sched:     p.Scheduler,
		notify:    p.Notify,
		now:       p.Now,
		statuses:  make(map[statusKey]*SharerStatus),
		shares:    make(map[shareKey]*StoredShare),
		recovered: make(map[interfaces.KeyDigest][]*SharerStatus),
	}, nil
}

// Identity returns the Helper's local identity.
func (h *Helper) Identity() *identity.LibIdentity { return h.self }

// IsPaired reports whether the Sharer is paired for the secret. Safe for
// concurrent use.
func (h *Helper) IsPaired(sharer interfaces.KeyDigest, secretID interfaces.SecretID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.statuses[statusKey{sharer: sharer, secret: secretID}]
	return ok && st.Status == interfaces.StatusPaired
}

// SharerStatuses returns copies of all pairing records. Safe for concurrent use.
func (h *Helper) SharerStatuses() []SharerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SharerStatus, 0, len(h.statuses))
	for _, st := range h.statuses {
		out = append(out, *st)
	}
	return out
}

// StoredShares counts the shares currently held.
func (h *Helper) StoredShares() int { return len(h.shares) }

func (h *Helper) status(sharer interfaces.KeyDigest, secretID interfaces.SecretID) (*SharerStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.statuses[statusKey{sharer: sharer, secret: secretID}]
	return st, ok
}

func (h *Helper) setStatus(st *SharerStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[statusKey{sharer: st.Sharer.EncryptionKeyDigest, secret: st.SecretID}] = st
}

// deleteStatus removes st if it is still the current record of its key.
func (h *Helper) deleteStatus(st *SharerStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := statusKey{sharer: st.Sharer.EncryptionKeyDigest, secret: st.SecretID}
	if h.statuses[key] != st {
		return false
	}
	delete(h.statuses, key)
	return true
}

// pairedStatus returns the paired record of (sharer, secret). A recovered
// Sharer continuing a secret it owned under its prior key inherits that
// pairing.
func (h *Helper) pairedStatus(sharer *identity.Identity, secretID interfaces.SecretID) (*SharerStatus, bool) {
	if st, ok := h.status(sharer.EncryptionKeyDigest, secretID); ok {
		return st, st.Status == interfaces.StatusPaired
	}
	for _, prior := range h.recovered[sharer.EncryptionKeyDigest] {
		if prior.SecretID != secretID {
			continue
		}
		st := &SharerStatus{Sharer: sharer, SecretID: secretID, Status: interfaces.StatusPaired}
		h.setStatus(st)
		h.log.Info("recovered sharer resumed secret", "sharer", sharer.String(), "secretID", secretID.String())
		return st, true
	}
	return nil, false
}

// sharesOf returns the shares stored for (sharer, secret) ordered by version.
func (h *Helper) sharesOf(sharer interfaces.KeyDigest, secretID interfaces.SecretID) []*StoredShare {
	var out []*StoredShare
	for k, s := range h.shares {
		if k.sharer == sharer && k.secret == secretID {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *StoredShare) int { return int(a.Version) - int(b.Version) })
	return out
}

func (h *Helper) discardShares(sharer interfaces.KeyDigest, secretID interfaces.SecretID) int {
	n := 0
	for k := range h.shares {
		if k.sharer == sharer && k.secret == secretID {
			delete(h.shares, k)
			n++
		}
	}
	return n
}

// lookupShare finds a share the Sharer may read: its own, or one stored
// under a prior pairing confirmed for it.
func (h *Helper) lookupShare(sharer interfaces.KeyDigest, secretID interfaces.SecretID, version int32) (*StoredShare, bool) {
	if s, ok := h.shares[shareKey{sharer: sharer, secret: secretID, version: version}]; ok {
		return s, true
	}
	for _, prior := range h.recovered[sharer] {
		if prior.SecretID != secretID {
			continue
		}
		key := shareKey{sharer: prior.Sharer.EncryptionKeyDigest, secret: secretID, version: version}
		if s, ok := h.shares[key]; ok {
			return s, true
		}
	}
	return nil, false
}

func (h *Helper) pairResponse(req *messages.PairRequest, result messages.Result) *messages.PairResponse {
	return &messages.PairResponse{
		SenderKind:         interfaces.SenderHelper,
		Result:             result,
		PublicSignatureKey: h.self.PublicSignatureKey(),
		Communication: messages.CommunicationInfo{
			Name:    h.self.Name,
			Contact: h.self.Contact,
			Address: h.self.Address,
		},
		Nonce:      req.Nonce,
		Parameters: h.cfg.Parameters,
	}
}

func notPaired(from *identity.Identity, secretID interfaces.SecretID) messages.Result {
	return messages.Failure(interfaces.ResultNotPaired, fmt.Sprintf("%s is not paired for %s", from.Name, secretID))
}
