package sharer

import (
	"bytes"
	"fmt"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/notification"
	"github.com/ruteri/derec-engine/share"
)

// HandleMessage applies an authenticated Helper response to the secret named
// by the envelope.
func (s *Sharer) HandleMessage(env *messages.Envelope, from *identity.Identity) error {
	sec, ok := s.secrets[env.SecretID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownSecret, env.SecretID)
	}
	h := sec.helper(from.EncryptionKeyDigest)
	if h == nil {
		return fmt.Errorf("%w: %s for secret %s", interfaces.ErrUnknownHelper, from, sec.ID)
	}
	if sec.IsClosed && !sec.IsRecovering {
		s.log.Debug("message for closed secret ignored", "secretID", sec.ID.String(), "kind", env.Body.Kind().String())
		return nil
	}

	switch b := env.Body.(type) {
	case *messages.PairResponse:
		return s.handlePairResponse(sec, h, b)
	case *messages.UnpairResponse:
		return s.handleUnpairResponse(sec, h, b)
	case *messages.StoreShareResponse:
		return s.handleStoreShareResponse(sec, h, b)
	case *messages.VerifyShareResponse:
		return s.handleVerifyShareResponse(sec, h, b)
	case *messages.GetSecretIdsVersionsResponse:
		return s.handleGetSecretIdsVersionsResponse(sec, h, b)
	case *messages.GetShareResponse:
		return s.handleGetShareResponse(sec, h, b)
	case *messages.ErrorResponse:
		s.log.Warn("helper reported error", "secretID", sec.ID.String(), "helper", h.Helper.String(),
			"status", b.Result.Status.String(), "memo", b.Result.Memo)
		return nil
	default:
		return fmt.Errorf("unexpected %s message for sharer", env.Body.Kind())
	}
}

func (s *Sharer) handlePairResponse(sec *Secret, h *HelperStatus, b *messages.PairResponse) error {
	if h.Status != interfaces.StatusInvited {
		s.log.Debug("unsolicited pair response dropped", "secretID", sec.ID.String(),
			"helper", h.Helper.String(), "status", h.Status.String())
		return nil
	}
	if b.Nonce != h.pairNonce || b.SenderKind != interfaces.SenderHelper {
		s.log.Warn("pair response does not match request", "secretID", sec.ID.String(), "helper", h.Helper.String())
		return nil
	}
	if len(b.PublicSignatureKey) > 0 {
		if err := s.registry.LearnSignatureKey(s.cp, h.Helper, b.PublicSignatureKey); err != nil {
			return fmt.Errorf("pair response from %s: %w", h.Helper, err)
		}
	}

	if b.Result.Status != interfaces.ResultOK {
		h.Status = interfaces.StatusRefused
		s.log.Info("helper declined pairing", "secretID", sec.ID.String(), "helper", h.Helper.String(), "memo", b.Result.Memo)
		s.notify.Deliver(notification.Event{
			Type: notification.HelperRefused, SecretID: sec.ID, Peer: h.Helper, Message: b.Result.Memo,
		})
		return nil
	}

	h.Status = interfaces.StatusPaired
	h.Unanswered = 0
	h.LastVerified = s.now()
	s.log.Info("helper paired", "secretID", sec.ID.String(), "helper", h.Helper.String(), "recovery", sec.IsRecovering)
	s.notify.Deliver(notification.Event{Type: notification.HelperPaired, SecretID: sec.ID, Peer: h.Helper})

	if sec.IsRecovering {
		s.outbox.Send(h.Helper, sec.ID, &messages.GetSecretIdsVersionsRequest{}, nil)
		return nil
	}
	return s.helperStatusChanged(sec)
}

func (s *Sharer) handleUnpairResponse(sec *Secret, h *HelperStatus, b *messages.UnpairResponse) error {
	s.log.Info("helper acknowledged unpair", "secretID", sec.ID.String(), "helper", h.Helper.String(),
		"status", b.Result.Status.String())
	s.notify.Deliver(notification.Event{Type: notification.HelperUnpaired, SecretID: sec.ID, Peer: h.Helper})
	return nil
}

func (s *Sharer) handleStoreShareResponse(sec *Secret, h *HelperStatus, b *messages.StoreShareResponse) error {
	if b.Result.Status != interfaces.ResultOK {
		s.log.Warn("helper did not store share", "secretID", sec.ID.String(), "helper", h.Helper.String(),
			"version", b.Version, "status", b.Result.Status.String(), "memo", b.Result.Memo)
		return nil
	}
	v, ok := sec.versions[b.Version]
	if !ok {
		// Keep-list only update, or a version pruned meanwhile.
		return nil
	}
	r := v.share(h)
	if r == nil {
		return nil
	}
	r.confirmed = true
	s.evaluateKeepList(sec)
	return nil
}

func (s *Sharer) handleVerifyShareResponse(sec *Secret, h *HelperStatus, b *messages.VerifyShareResponse) error {
	var r *ShareRecord
	if v, ok := sec.versions[b.Version]; ok {
		r = v.share(h)
	}
	if r == nil && h.lastShare != nil && h.lastShare.version == b.Version {
		r = h.lastShare
	}
	if r == nil || r.nonce == nil || !bytes.Equal(r.nonce, b.Nonce) {
		s.log.Debug("verification response for unknown challenge", "secretID", sec.ID.String(),
			"helper", h.Helper.String(), "version", b.Version)
		return nil
	}

	expected := share.VerificationHash(r.committed, r.nonce)
	r.nonce = nil
	if b.Result.Status != interfaces.ResultOK || !bytes.Equal(expected, b.Hash) {
		r.confirmed = false
		s.log.Warn("share verification failed", "secretID", sec.ID.String(), "helper", h.Helper.String(), "version", b.Version)
		return nil
	}

	r.confirmed = true
	h.Unanswered = 0
	h.LastVerified = s.now()
	if h.Status == interfaces.StatusRefused {
		h.Status = interfaces.StatusPaired
		s.log.Info("refused helper answered again", "secretID", sec.ID.String(), "helper", h.Helper.String())
		s.notify.Deliver(notification.Event{Type: notification.HelperPaired, SecretID: sec.ID, Peer: h.Helper})
		return s.helperStatusChanged(sec)
	}
	s.evaluateKeepList(sec)
	return nil
}

func (s *Sharer) handleGetSecretIdsVersionsResponse(sec *Secret, h *HelperStatus, b *messages.GetSecretIdsVersionsResponse) error {
	if !sec.IsRecovering || s.recovery == nil || s.recovery.placeholder != sec {
		return nil
	}
	if b.Result.Status != interfaces.ResultOK {
		s.log.Warn("helper could not list versions", "helper", h.Helper.String(), "memo", b.Result.Memo)
		return nil
	}
	h.versionsReported = true
	for _, vl := range b.Secrets {
		id, err := interfaces.NewSecretIDFromBytes(vl.SecretID)
		if err != nil {
			s.log.Warn("invalid secret id in version list", "helper", h.Helper.String(), "err", err)
			continue
		}
		s.recovery.HelperHasVersions(id, h, vl.Versions)
	}
	return nil
}

func (s *Sharer) handleGetShareResponse(sec *Secret, h *HelperStatus, b *messages.GetShareResponse) error {
	if !sec.IsRecovering || s.recovery == nil || s.recovery.placeholder != sec {
		return nil
	}
	if b.Result.Status != interfaces.ResultOK {
		s.log.Warn("helper could not return share", "helper", h.Helper.String(),
			"status", b.Result.Status.String(), "memo", b.Result.Memo)
		return nil
	}
	return s.recovery.saveRetrievedCommittedDeRecShare(s, h, b.CommittedShare)
}
