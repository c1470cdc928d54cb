// Package sharer implements the Sharer role: secret and version lifecycle,
// Helper pairing, committed share distribution and verification, and
// recovery of lost secrets from a quorum of Helpers.
//
// A Sharer is not safe for concurrent use. Every method must run inside a
// command of the engine's executor, which serializes all mutations.
package sharer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/notification"
)

// Outbox delivers messages and schedules follow-up work for the Sharer.
// Neither method blocks; callbacks run later as serialized commands.
type Outbox interface {
	// Send delivers body to a peer within secretID's context. onResult, when
	// not nil, receives the transport outcome.
	Send(to *identity.Identity, secretID interfaces.SecretID, body messages.Body, onResult func(error))
	// After runs fn once d has elapsed.
	After(d time.Duration, fn func())
}

// Sharer owns the secrets of one local identity.
type Sharer struct {
	log      *slog.Logger
	cfg      Config
	cp       interfaces.CryptoProvider
	registry *identity.Registry
	self     *identity.LibIdentity
	outbox   Outbox
	notify   notification.Listener
	now      func() time.Time

	secrets map[interfaces.SecretID]*Secret
	order   []interfaces.SecretID

	recovery *RecoveryContext
}

type Params struct {
	Log      *slog.Logger
	Config   Config
	Crypto   interfaces.CryptoProvider
	Registry *identity.Registry
	Self     *identity.LibIdentity
	Outbox   Outbox
	Notify   notification.Listener
	Now      func() time.Time
}

func New(p Params) (*Sharer, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sharer config: %w", err)
	}
	if p.Crypto == nil || p.Registry == nil || p.Self == nil || p.Outbox == nil {
		return nil, errors.New("sharer requires crypto, registry, identity and outbox")
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Sharer{
		log:      p.Log,
		cfg:      p.Config,
		cp:       p.Crypto,
		registry: p.Registry,
		self:     p.Self,
		outbox:   p.Outbox,
		notify:   p.Notify,
		now:      p.Now,
		secrets:  make(map[interfaces.SecretID]*Secret),
	}, nil
}

// Identity returns the Sharer's local identity.
func (s *Sharer) Identity() *identity.LibIdentity { return s.self }

// Secret returns a secret by id.
func (s *Sharer) Secret(id interfaces.SecretID) (*Secret, bool) {
	sec, ok := s.secrets[id]
	return sec, ok
}

func (s *Sharer) addSecret(sec *Secret) {
	if _, ok := s.secrets[sec.ID]; !ok {
		s.order = append(s.order, sec.ID)
	}
	s.secrets[sec.ID] = sec
}

func (s *Sharer) activeSecret(id interfaces.SecretID) (*Secret, error) {
	sec, ok := s.secrets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownSecret, id)
	}
	if sec.IsClosed {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSecretClosed, id)
	}
	return sec, nil
}

// CreateSecret registers a new secret and starts pairing with helpers. A
// non-empty payload becomes its first version.
func (s *Sharer) CreateSecret(description string, helpers []*identity.Identity, payload []byte) (*Secret, error) {
	id, err := interfaces.NewSecretID()
	if err != nil {
		return nil, err
	}
	sec := newSecret(id, description)
	s.addSecret(sec)
	s.log.Info("secret created", "secretID", id.String(), "helpers", len(helpers))

	if err := s.AddHelpers(id, helpers, true); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if _, err := s.Update(id, payload); err != nil {
			return nil, err
		}
	}
	return sec, nil
}

// Update stores payload as a new version and returns its number.
func (s *Sharer) Update(id interfaces.SecretID, payload []byte) (int32, error) {
	sec, err := s.activeSecret(id)
	if err != nil {
		return 0, err
	}
	if sec.IsRecovering {
		return 0, fmt.Errorf("%w: %s", interfaces.ErrSecretRecovering, id)
	}
	v, err := s.newVersion(sec, payload)
	if err != nil {
		return 0, err
	}
	return v.Number, nil
}

func (s *Sharer) newVersion(sec *Secret, payload []byte) (*Version, error) {
	v := &Version{Number: sec.maxVersion + 1, Payload: append([]byte(nil), payload...)}
	sec.versions[v.Number] = v
	sec.maxVersion = v.Number

	if err := s.createShares(sec, v); err != nil {
		return nil, err
	}
	s.evaluateKeepList(sec)
	s.log.Info("version created", "secretID", sec.ID.String(), "version", v.Number, "shares", len(v.shares))
	return v, nil
}

// AddHelpers adds Helpers to a secret. Pairing starts immediately unless
// startPairing is false, as when rebuilding a recovered roster.
func (s *Sharer) AddHelpers(id interfaces.SecretID, helpers []*identity.Identity, startPairing bool) error {
	sec, err := s.activeSecret(id)
	if err != nil {
		return err
	}
	for _, candidate := range helpers {
		peer := s.registry.AddPeer(candidate)
		h := &HelperStatus{Helper: peer, Status: interfaces.StatusNone}
		if existing := sec.helper(peer.EncryptionKeyDigest); existing != nil {
			if existing.Status != interfaces.StatusPendingRemoval {
				continue
			}
			// Re-added within the grace period: the pending removal timer
			// only deletes the entry it was scheduled for.
			sec.replaceHelper(existing, h)
			s.log.Info("helper re-added during removal grace period", "secretID", sec.ID.String(), "helper", peer.String())
		} else {
			sec.helpers = append(sec.helpers, h)
		}
		if startPairing {
			if err := s.sendPair(sec, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sharer) sendPair(sec *Secret, h *HelperStatus) error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	h.pairNonce = nonce
	h.Status = interfaces.StatusInvited
	s.sendPairRequest(sec, h)
	return nil
}

func (s *Sharer) sendPairRequest(sec *Secret, h *HelperStatus) {
	kind := interfaces.SenderSharerNonRecovery
	if sec.IsRecovering {
		kind = interfaces.SenderSharerRecovery
	}
	body := &messages.PairRequest{
		SenderKind:          kind,
		PublicSignatureKey:  s.self.PublicSignatureKey(),
		PublicEncryptionKey: s.self.PublicEncryptionKey,
		PublicKeyID:         uint32(s.self.PublicEncryptionKeyID),
		Communication: messages.CommunicationInfo{
			Name:    s.self.Name,
			Contact: s.self.Contact,
			Address: s.self.Address,
		},
		Nonce: h.pairNonce,
	}
	s.outbox.Send(h.Helper, sec.ID, body, func(err error) {
		if err != nil {
			s.log.Debug("pair request not delivered", "secretID", sec.ID.String(), "helper", h.Helper.String(), "err", err)
		}
	})
}

// RemoveHelpers unpairs Helpers from a secret. Their statuses linger as
// PENDING_REMOVAL for the grace period; shares of every version are
// recomputed without them right away.
func (s *Sharer) RemoveHelpers(id interfaces.SecretID, helpers []*identity.Identity) error {
	sec, err := s.activeSecret(id)
	if err != nil {
		return err
	}
	targets := make([]*HelperStatus, 0, len(helpers))
	for _, peer := range helpers {
		h := sec.helper(peer.EncryptionKeyDigest)
		if h == nil {
			return fmt.Errorf("%w: %s", interfaces.ErrUnknownHelper, peer)
		}
		if h.Status != interfaces.StatusPendingRemoval && !slices.Contains(targets, h) {
			targets = append(targets, h)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	for _, h := range targets {
		h.Status = interfaces.StatusPendingRemoval
		s.outbox.Send(h.Helper, sec.ID, &messages.UnpairRequest{Memo: "removed by sharer"}, nil)
		s.outbox.After(s.cfg.RemovalGracePeriod, func() {
			if sec.removeHelper(h) {
				s.log.Debug("helper removed after grace period", "secretID", sec.ID.String(), "helper", h.Helper.String())
			}
		})
		s.log.Info("helper removal started", "secretID", sec.ID.String(), "helper", h.Helper.String())
	}
	if err := s.recomputeAllShares(sec); err != nil {
		return err
	}
	return s.helperStatusChanged(sec)
}

// Close stops all protocol activity for a secret.
func (s *Sharer) Close(id interfaces.SecretID) error {
	sec, ok := s.secrets[id]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownSecret, id)
	}
	sec.IsClosed = true
	s.log.Info("secret closed", "secretID", id.String())
	return nil
}

// helperStatusChanged redistributes the latest payload as a new version so
// the current Helper set receives fresh shares.
func (s *Sharer) helperStatusChanged(sec *Secret) error {
	s.evaluateKeepList(sec)
	if sec.IsRecovering || sec.IsClosed {
		return nil
	}
	payload, ok := sec.latestPayload(s.cfg.MinHelpersForSendingShares)
	if !ok {
		return nil
	}
	_, err := s.newVersion(sec, payload)
	return err
}

func (s *Sharer) recomputeAllShares(sec *Secret) error {
	for _, n := range sec.VersionNumbers() {
		if err := s.createShares(sec, sec.versions[n]); err != nil {
			return err
		}
	}
	return nil
}

// createShares replaces the share assignment of v with one committed share
// per currently paired Helper.
func (s *Sharer) createShares(sec *Secret, v *Version) error {
	paired := sec.helpersWith(interfaces.StatusPaired)
	v.shares = nil
	v.protectedNotified = false

	if len(paired) < s.cfg.MinHelpersForRecovery {
		s.log.Debug("not enough paired helpers to create shares",
			"secretID", sec.ID.String(), "version", v.Number, "paired", len(paired))
		return nil
	}

	record, err := s.createSecretMessage(sec, v)
	if err != nil {
		return err
	}
	threshold := RecoveryThreshold(len(paired), s.cfg.MinHelpersForRecovery)
	blobs, err := s.cp.Split(sec.ID, v.Number, record, len(paired), threshold)
	if err != nil {
		return fmt.Errorf("failed to split version %d: %w", v.Number, err)
	}
	if len(blobs) != len(paired) {
		return fmt.Errorf("splitter returned %d shares for %d helpers", len(blobs), len(paired))
	}
	for i, h := range paired {
		r := &ShareRecord{helper: h, version: v.Number, committed: blobs[i]}
		v.shares = append(v.shares, r)
		if h.lastShare == nil || h.lastShare.version <= v.Number {
			h.lastShare = r
		}
	}
	return nil
}

// evaluateKeepList prunes versions older than the highest protected one and
// queues the new keep-list for paired Helpers.
func (s *Sharer) evaluateKeepList(sec *Secret) {
	for _, n := range sec.VersionNumbers() {
		v := sec.versions[n]
		if v.Protected(s.cfg.MinHelpersForSendingShares) && !v.protectedNotified {
			v.protectedNotified = true
			s.notify.Deliver(notification.Event{
				Type:     notification.UpdateProgress,
				SecretID: sec.ID,
				Version:  n,
				Message:  "version protected",
			})
		}
	}
	if sec.pruneBelowProtected(s.cfg.MinHelpersForSendingShares) {
		sec.prunePending = true
	}
}

// sendSharesToPairedHelpers sends every unconfirmed share of v.
func (s *Sharer) sendSharesToPairedHelpers(sec *Secret, v *Version) {
	keep := sec.VersionNumbers()
	for _, r := range v.shares {
		if r.confirmed || r.helper.Status != interfaces.StatusPaired {
			continue
		}
		s.outbox.Send(r.helper.Helper, sec.ID, &messages.StoreShareRequest{
			Share:              r.committed,
			Version:            v.Number,
			KeepList:           keep,
			VersionDescription: sec.Description,
		}, nil)
	}
}

// sendVerificationRequestsToPairedHelpers challenges every paired or refused
// Helper on each share it holds. Each round without a correct answer counts
// as one miss.
func (s *Sharer) sendVerificationRequestsToPairedHelpers(sec *Secret) error {
	nums := sec.VersionNumbers()
	for _, h := range sec.helpers {
		if h.Status != interfaces.StatusPaired && h.Status != interfaces.StatusRefused {
			continue
		}
		var targets []*ShareRecord
		for _, n := range nums {
			if r := sec.versions[n].share(h); r != nil {
				targets = append(targets, r)
			}
		}
		if len(targets) == 0 && h.Status == interfaces.StatusRefused && h.lastShare != nil {
			targets = append(targets, h.lastShare)
		}
		if len(targets) == 0 {
			continue
		}
		for _, r := range targets {
			nonce := make([]byte, 16)
			if _, err := rand.Read(nonce); err != nil {
				return fmt.Errorf("failed to generate verification nonce: %w", err)
			}
			r.nonce = nonce
			s.outbox.Send(h.Helper, sec.ID, &messages.VerifyShareRequest{Version: r.version, Nonce: nonce}, nil)
		}
		h.Unanswered++
		if err := s.checkLiveness(sec, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sharer) checkLiveness(sec *Secret, h *HelperStatus) error {
	switch {
	case h.Status == interfaces.StatusPaired && h.Unanswered > s.cfg.RefusedAfterMisses:
		h.Status = interfaces.StatusRefused
		s.log.Warn("helper refused", "secretID", sec.ID.String(), "helper", h.Helper.String(), "missed", h.Unanswered)
		s.notify.Deliver(notification.Event{Type: notification.HelperRefused, SecretID: sec.ID, Peer: h.Helper})
		return s.helperStatusChanged(sec)

	case h.Status == interfaces.StatusRefused && h.Unanswered > s.cfg.FailedAfterMisses:
		h.Status = interfaces.StatusFailed
		s.log.Warn("helper failed", "secretID", sec.ID.String(), "helper", h.Helper.String(), "missed", h.Unanswered)
		s.notify.Deliver(notification.Event{Type: notification.HelperFailed, SecretID: sec.ID, Peer: h.Helper})
		if err := s.recomputeAllShares(sec); err != nil {
			return err
		}
		return s.helperStatusChanged(sec)
	}
	return nil
}

func (s *Sharer) flushPrune(sec *Secret) {
	if !sec.prunePending {
		return
	}
	keep := sec.VersionNumbers()
	for _, h := range sec.helpersWith(interfaces.StatusPaired) {
		s.outbox.Send(h.Helper, sec.ID, &messages.StoreShareRequest{KeepList: keep}, nil)
	}
	sec.prunePending = false
}

// PeriodicWork advances every open secret by one tick. A failure in one
// secret does not stop the others; all failures are joined.
func (s *Sharer) PeriodicWork() error {
	var errs []error
	for _, id := range s.order {
		sec, ok := s.secrets[id]
		if !ok || sec.IsClosed {
			continue
		}
		if err := s.tickSecret(sec); err != nil {
			s.log.Error("periodic work failed", "secretID", id.String(), "err", err)
			errs = append(errs, fmt.Errorf("secret %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sharer) tickSecret(sec *Secret) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("periodic work panicked: %v", r)
		}
	}()

	// Pair is idempotent on the Helper, so an invitation is repeated until
	// a matching response arrives.
	for _, h := range sec.helpers {
		if h.Status == interfaces.StatusInvited {
			s.sendPairRequest(sec, h)
		}
	}

	if sec.IsRecovering {
		s.requestMissingVersionLists(sec)
		return s.recovery.evaluateAndSendGetShareRequests(s, sec)
	}

	for _, n := range sec.VersionNumbers() {
		s.sendSharesToPairedHelpers(sec, sec.versions[n])
	}
	if err := s.sendVerificationRequestsToPairedHelpers(sec); err != nil {
		return err
	}
	s.flushPrune(sec)
	return nil
}

// ProtectedVersions counts protected versions across open secrets.
func (s *Sharer) ProtectedVersions() int {
	count := 0
	for _, sec := range s.secrets {
		if sec.IsClosed || sec.IsRecovering {
			continue
		}
		for _, v := range sec.versions {
			if v.Protected(s.cfg.MinHelpersForSendingShares) {
				count++
			}
		}
	}
	return count
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate pairing nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
