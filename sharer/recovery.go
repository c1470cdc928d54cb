package sharer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/notification"
	"github.com/ruteri/derec-engine/share"
)

// RecoveryContext collects, per recovered secret and version, the Helpers
// claiming a share, the requests already sent and the shares returned, and
// recombines a version once enough shares arrived.
type RecoveryContext struct {
	placeholder *Secret
	minHelpers  int

	secrets map[interfaces.SecretID]*recoveringSecret
	order   []interfaces.SecretID
}

type helperSet map[interfaces.KeyDigest]*HelperStatus

type recoveringSecret struct {
	claims     map[int32]helperSet
	requested  map[int32]map[interfaces.KeyDigest]bool
	retrieved  map[int32]map[interfaces.KeyDigest][]byte
	recombined map[int32]bool
	refused    map[int32]bool
}

func newRecoveryContext(placeholder *Secret, minHelpers int) *RecoveryContext {
	return &RecoveryContext{
		placeholder: placeholder,
		minHelpers:  minHelpers,
		secrets:     make(map[interfaces.SecretID]*recoveringSecret),
	}
}

func (rc *RecoveryContext) secret(id interfaces.SecretID) *recoveringSecret {
	rs, ok := rc.secrets[id]
	if !ok {
		rs = &recoveringSecret{
			claims:     make(map[int32]helperSet),
			requested:  make(map[int32]map[interfaces.KeyDigest]bool),
			retrieved:  make(map[int32]map[interfaces.KeyDigest][]byte),
			recombined: make(map[int32]bool),
			refused:    make(map[int32]bool),
		}
		rc.secrets[id] = rs
		rc.order = append(rc.order, id)
	}
	return rs
}

// HelperHasVersions records that h holds shares of the given versions of id.
func (rc *RecoveryContext) HelperHasVersions(id interfaces.SecretID, h *HelperStatus, versions []int32) {
	rs := rc.secret(id)
	for _, v := range versions {
		set, ok := rs.claims[v]
		if !ok {
			set = make(helperSet)
			rs.claims[v] = set
		}
		set[h.digest()] = h
	}
}

// Evaluate returns, for every version of id not yet recombined, the claimant
// Helpers of versions claimed by at least the recovery minimum.
func (rc *RecoveryContext) Evaluate(id interfaces.SecretID) map[int32][]*HelperStatus {
	rs, ok := rc.secrets[id]
	if !ok {
		return nil
	}
	out := make(map[int32][]*HelperStatus)
	for v, set := range rs.claims {
		if rs.recombined[v] || rs.refused[v] || len(set) < rc.minHelpers {
			continue
		}
		helpers := make([]*HelperStatus, 0, len(set))
		for _, h := range set {
			helpers = append(helpers, h)
		}
		slices.SortFunc(helpers, func(a, b *HelperStatus) int {
			return slices.Compare(a.Helper.EncryptionKeyDigest[:], b.Helper.EncryptionKeyDigest[:])
		})
		out[v] = helpers
	}
	return out
}

// evaluateAndSendGetShareRequests sends one GetShare request per requestable
// (secret, version, helper). The request is recorded before delivery; a
// failed delivery clears the record so a later tick retries.
func (rc *RecoveryContext) evaluateAndSendGetShareRequests(s *Sharer, placeholder *Secret) error {
	if rc == nil || rc.placeholder != placeholder {
		return nil
	}
	for _, id := range rc.order {
		rs := rc.secrets[id]
		ready := rc.Evaluate(id)
		versions := make([]int32, 0, len(ready))
		for v := range ready {
			versions = append(versions, v)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, v := range versions {
			for _, h := range ready[v] {
				if h.Status != interfaces.StatusPaired || rc.isRequested(rs, v, h) {
					continue
				}
				rc.markRequested(rs, v, h)
				s.outbox.Send(h.Helper, placeholder.ID, &messages.GetShareRequest{
					SecretID:     id.Bytes(),
					ShareVersion: v,
				}, func(err error) {
					if err != nil {
						s.log.Debug("get share request not delivered, will retry",
							"secretID", id.String(), "version", v, "helper", h.Helper.String(), "err", err)
						rc.unmarkRequested(rs, v, h)
					}
				})
			}
		}
	}
	return nil
}

func (rc *RecoveryContext) isRequested(rs *recoveringSecret, v int32, h *HelperStatus) bool {
	return rs.requested[v][h.digest()]
}

func (rc *RecoveryContext) markRequested(rs *recoveringSecret, v int32, h *HelperStatus) {
	set, ok := rs.requested[v]
	if !ok {
		set = make(map[interfaces.KeyDigest]bool)
		rs.requested[v] = set
	}
	set[h.digest()] = true
}

func (rc *RecoveryContext) unmarkRequested(rs *recoveringSecret, v int32, h *HelperStatus) {
	delete(rs.requested[v], h.digest())
}

// saveRetrievedCommittedDeRecShare stores a returned share and tries to
// recombine its version.
func (rc *RecoveryContext) saveRetrievedCommittedDeRecShare(s *Sharer, h *HelperStatus, committed []byte) error {
	cs, err := share.UnmarshalCommittedShare(committed)
	if err != nil {
		return fmt.Errorf("invalid committed share from %s: %w", h.Helper, err)
	}
	if err := cs.Verify(); err != nil {
		return fmt.Errorf("committed share from %s: %w", h.Helper, err)
	}
	inner, err := cs.Inner()
	if err != nil {
		return err
	}
	id, err := interfaces.NewSecretIDFromBytes(inner.SecretID)
	if err != nil {
		return err
	}
	rs, ok := rc.secrets[id]
	if !ok || !rc.isRequested(rs, inner.Version, h) {
		s.log.Debug("unrequested share dropped", "secretID", id.String(), "version", inner.Version, "helper", h.Helper.String())
		return nil
	}

	set, ok := rs.retrieved[inner.Version]
	if !ok {
		set = make(map[interfaces.KeyDigest][]byte)
		rs.retrieved[inner.Version] = set
	}
	set[h.digest()] = committed
	return rc.attemptToRecombine(s, id, inner.Version)
}

// attemptToRecombine combines the retrieved shares of a version and installs
// the recovered secret. Versions not newer than an existing copy are refused.
func (rc *RecoveryContext) attemptToRecombine(s *Sharer, id interfaces.SecretID, version int32) error {
	rs := rc.secrets[id]
	if rs.recombined[version] || rs.refused[version] {
		return nil
	}
	if existing, ok := s.secrets[id]; ok && !existing.IsRecovering && existing.maxVersion >= version {
		rs.refused[version] = true
		s.log.Info("recovered version not newer than local copy", "secretID", id.String(),
			"version", version, "local", existing.maxVersion)
		s.notify.Deliver(notification.Event{
			Type: notification.RecoveryVersionRefused, SecretID: id, Version: version,
			Message: "local copy is at the same or a newer version",
		})
		return nil
	}

	shares := make([][]byte, 0, len(rs.retrieved[version]))
	for _, blob := range rs.retrieved[version] {
		shares = append(shares, blob)
	}
	payload, err := s.cp.Combine(id, version, shares)
	if err != nil {
		if errors.Is(err, interfaces.ErrInsufficientShares) || errors.Is(err, interfaces.ErrInconsistentShares) {
			s.log.Debug("recombination not possible yet", "secretID", id.String(), "version", version,
				"shares", len(shares), "err", err)
			return nil
		}
		return fmt.Errorf("failed to recombine %s version %d: %w", id, version, err)
	}

	record, err := ParseSecretMessage(s.cp, payload)
	if err != nil {
		return err
	}
	if record.SecretID != id || record.Version != version {
		return fmt.Errorf("recovered record %s/%d does not match %s/%d",
			record.SecretID, record.Version, id, version)
	}
	if err := s.installRecovered(record); err != nil {
		return err
	}
	rs.recombined[version] = true
	s.log.Info("secret recovered", "secretID", id.String(), "version", version, "previousOwner", record.Sharer.String())
	s.notify.Deliver(notification.Event{Type: notification.RecoveryComplete, SecretID: id, Version: version, Peer: record.Sharer})

	if rc.complete() {
		rc.placeholder.IsClosed = true
		s.log.Info("recovery finished", "placeholder", rc.placeholder.ID.String(), "secrets", len(rc.order))
	}
	return nil
}

// complete reports whether every reported secret recombined a version.
func (rc *RecoveryContext) complete() bool {
	if len(rc.order) == 0 {
		return false
	}
	for _, rs := range rc.secrets {
		if len(rs.recombined) == 0 {
			return false
		}
	}
	return true
}

// installRecovered makes a recovered record the active secret. Restored
// Helpers that also served the recovery are paired at once; the others are
// invited again. Failed or removed Helpers stay out.
func (s *Sharer) installRecovered(rec *SecretRecord) error {
	sec := newSecret(rec.SecretID, rec.Description)
	sec.RecoveredFrom = rec.Sharer
	v := &Version{Number: rec.Version, Payload: rec.Payload}
	sec.versions[v.Number] = v
	sec.maxVersion = v.Number
	s.addSecret(sec)

	var invite []*HelperStatus
	for _, rh := range rec.Helpers {
		if rh.Status == interfaces.StatusFailed || rh.Status == interfaces.StatusPendingRemoval {
			continue
		}
		peer := s.registry.AddPeer(rh.Helper)
		if sec.helper(peer.EncryptionKeyDigest) != nil {
			continue
		}
		h := &HelperStatus{Helper: peer, Status: interfaces.StatusNone}
		sec.helpers = append(sec.helpers, h)
		if rp := s.recovery.placeholder.helper(peer.EncryptionKeyDigest); rp != nil && rp.Status == interfaces.StatusPaired {
			h.Status = interfaces.StatusPaired
			h.LastVerified = s.now()
			continue
		}
		invite = append(invite, h)
	}

	if err := s.createShares(sec, v); err != nil {
		return err
	}
	s.evaluateKeepList(sec)
	for _, h := range invite {
		if err := s.sendPair(sec, h); err != nil {
			return err
		}
	}
	return nil
}

// StartRecovery begins recovering secrets held by helpers under a fresh
// placeholder secret. Only one recovery runs at a time.
func (s *Sharer) StartRecovery(helpers []*identity.Identity) (*Secret, error) {
	if s.recovery != nil && !s.recovery.placeholder.IsClosed {
		return nil, interfaces.ErrRecoveryInProgress
	}
	id, err := interfaces.NewSecretID()
	if err != nil {
		return nil, err
	}
	placeholder := newSecret(id, "recovery")
	placeholder.IsRecovering = true
	s.addSecret(placeholder)
	s.recovery = newRecoveryContext(placeholder, s.cfg.MinHelpersForRecovery)

	s.log.Info("recovery started", "placeholder", id.String(), "helpers", len(helpers))
	if err := s.AddHelpers(id, helpers, true); err != nil {
		return nil, err
	}
	return placeholder, nil
}

// Placeholder returns the secret collecting recovered shares.
func (rc *RecoveryContext) Placeholder() *Secret { return rc.placeholder }

// Recovery returns the active recovery context, if any.
func (s *Sharer) Recovery() *RecoveryContext { return s.recovery }

// requestMissingVersionLists asks paired recovery Helpers that have not yet
// answered for the versions they hold.
func (s *Sharer) requestMissingVersionLists(sec *Secret) {
	for _, h := range sec.helpersWith(interfaces.StatusPaired) {
		if !h.versionsReported {
			s.outbox.Send(h.Helper, sec.ID, &messages.GetSecretIdsVersionsRequest{}, nil)
		}
	}
}
