package helper

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/notification"
	"github.com/ruteri/derec-engine/share"
)

// HandleMessage applies an authenticated Sharer request and returns the
// response body to send back.
func (h *Helper) HandleMessage(env *messages.Envelope, from *identity.Identity) (messages.Body, error) {
	switch b := env.Body.(type) {
	case *messages.PairRequest:
		return h.handlePair(env, from, b), nil
	case *messages.UnpairRequest:
		return h.handleUnpair(env, from, b), nil
	case *messages.StoreShareRequest:
		return h.handleStoreShare(env, from, b), nil
	case *messages.VerifyShareRequest:
		return h.handleVerifyShare(env, from, b), nil
	case *messages.GetSecretIdsVersionsRequest:
		return h.handleGetSecretIdsVersions(env, from), nil
	case *messages.GetShareRequest:
		return h.handleGetShare(env, from, b), nil
	default:
		return nil, fmt.Errorf("unexpected %s message for helper", env.Body.Kind())
	}
}

func (h *Helper) handlePair(env *messages.Envelope, from *identity.Identity, req *messages.PairRequest) messages.Body {
	if req.SenderKind == interfaces.SenderHelper {
		return h.pairResponse(req, messages.Failure(interfaces.ResultRejected, "helpers do not pair with helpers"))
	}
	recovering := req.SenderKind == interfaces.SenderSharerRecovery

	if st, ok := h.status(from.EncryptionKeyDigest, env.SecretID); ok && st.Status == interfaces.StatusPaired {
		// Retransmitted request; answer again with the same nonce.
		return h.pairResponse(req, messages.OK())
	}

	resp := h.notify.Deliver(notification.Event{
		Type:     notification.PairRequest,
		SecretID: env.SecretID,
		Peer:     from,
		Message:  req.SenderKind.String(),
	})
	if !resp.Proceed {
		h.log.Info("pairing declined", "sharer", from.String(), "secretID", env.SecretID.String(), "reason", resp.Reason)
		return h.pairResponse(req, messages.Failure(interfaces.ResultRejected, resp.Reason))
	}

	if recovering {
		h.reconcile(env, from)
	}

	h.setStatus(&SharerStatus{
		Sharer:       from,
		SecretID:     env.SecretID,
		Status:       interfaces.StatusPaired,
		IsRecovering: recovering,
	})
	h.log.Info("sharer paired", "sharer", from.String(), "secretID", env.SecretID.String(), "recovering", recovering)
	return h.pairResponse(req, messages.OK())
}

// reconcile asks the application which orphaned pairings belong to the
// recovering Sharer and remembers its answer.
func (h *Helper) reconcile(env *messages.Envelope, from *identity.Identity) {
	var candidates []notification.Candidate
	byCandidate := make(map[statusKey]*SharerStatus)
	for _, st := range h.SharerStatuses() {
		if st.IsRecovering || st.Status != interfaces.StatusPaired || st.Sharer.EncryptionKeyDigest == from.EncryptionKeyDigest {
			continue
		}
		key := statusKey{sharer: st.Sharer.EncryptionKeyDigest, secret: st.SecretID}
		orig, ok := h.status(key.sharer, key.secret)
		if !ok {
			continue
		}
		byCandidate[key] = orig
		candidates = append(candidates, notification.Candidate{Sharer: st.Sharer, SecretID: st.SecretID})
	}
	if len(candidates) == 0 {
		return
	}

	resp := h.notify.Deliver(notification.Event{
		Type:       notification.RecoveryReconcile,
		SecretID:   env.SecretID,
		Peer:       from,
		Candidates: candidates,
	})
	confirmed, _ := resp.ReferenceObject.([]notification.Candidate)
	if !resp.Proceed || len(confirmed) == 0 {
		h.log.Info("no prior pairing confirmed for recovering sharer", "sharer", from.String())
		return
	}

	var prior []*SharerStatus
	for _, c := range confirmed {
		if st, ok := byCandidate[statusKey{sharer: c.Sharer.EncryptionKeyDigest, secret: c.SecretID}]; ok {
			prior = append(prior, st)
		}
	}
	h.recovered[from.EncryptionKeyDigest] = prior
	h.log.Info("recovering sharer reconciled", "sharer", from.String(), "pairings", len(prior))
}

func (h *Helper) handleUnpair(env *messages.Envelope, from *identity.Identity, req *messages.UnpairRequest) messages.Body {
	st, ok := h.status(from.EncryptionKeyDigest, env.SecretID)
	if !ok {
		return &messages.UnpairResponse{Result: notPaired(from, env.SecretID)}
	}
	if st.Status == interfaces.StatusPendingRemoval {
		return &messages.UnpairResponse{Result: messages.OK()}
	}

	h.mu.Lock()
	st.Status = interfaces.StatusPendingRemoval
	h.mu.Unlock()

	h.log.Info("sharer unpaired", "sharer", from.String(), "secretID", env.SecretID.String(), "memo", req.Memo)
	h.notify.Deliver(notification.Event{Type: notification.SharerUnpaired, SecretID: env.SecretID, Peer: from, Message: req.Memo})

	h.sched.After(h.cfg.RemovalGracePeriod, func() {
		if !h.deleteStatus(st) {
			h.log.Debug("sharer paired again during grace period", "sharer", from.String(), "secretID", env.SecretID.String())
			return
		}
		n := h.discardShares(from.EncryptionKeyDigest, env.SecretID)
		h.log.Debug("unpaired sharer discarded", "sharer", from.String(), "secretID", env.SecretID.String(), "shares", n)
	})
	return &messages.UnpairResponse{Result: messages.OK()}
}

func (h *Helper) handleStoreShare(env *messages.Envelope, from *identity.Identity, req *messages.StoreShareRequest) messages.Body {
	st, ok := h.pairedStatus(from, env.SecretID)
	if !ok {
		return &messages.StoreShareResponse{Result: notPaired(from, env.SecretID), Version: req.Version}
	}

	if len(req.Share) > 0 {
		if limit := h.cfg.Parameters.MaxShareSize; limit > 0 && int64(len(req.Share)) > limit {
			return &messages.StoreShareResponse{
				Result:  messages.Failure(interfaces.ResultRejected, fmt.Sprintf("share exceeds %d bytes", limit)),
				Version: req.Version,
			}
		}
		if result := validateShare(env.SecretID, req); result.Status != interfaces.ResultOK {
			h.log.Warn("share rejected", "sharer", from.String(), "secretID", env.SecretID.String(),
				"version", req.Version, "memo", result.Memo)
			return &messages.StoreShareResponse{Result: result, Version: req.Version}
		}

		key := shareKey{sharer: from.EncryptionKeyDigest, secret: env.SecretID, version: req.Version}
		_, replaced := h.shares[key]
		h.shares[key] = &StoredShare{
			Owner:       st,
			Version:     req.Version,
			Description: req.VersionDescription,
			Committed:   bytes.Clone(req.Share),
			StoredAt:    h.now(),
		}
		if !replaced {
			h.notify.Deliver(notification.Event{
				Type: notification.ShareStored, SecretID: env.SecretID, Version: req.Version, Peer: from,
			})
		}
	}

	if len(req.KeepList) > 0 {
		for _, s := range h.sharesOf(from.EncryptionKeyDigest, env.SecretID) {
			if s.Version != req.Version && !slices.Contains(req.KeepList, s.Version) {
				delete(h.shares, shareKey{sharer: from.EncryptionKeyDigest, secret: env.SecretID, version: s.Version})
				h.log.Debug("share pruned", "sharer", from.String(), "secretID", env.SecretID.String(), "version", s.Version)
			}
		}
	}
	return &messages.StoreShareResponse{Result: messages.OK(), Version: req.Version}
}

// validateShare checks that a committed share is internally consistent and
// belongs to the secret and version it is stored under.
func validateShare(secretID interfaces.SecretID, req *messages.StoreShareRequest) messages.Result {
	cs, err := share.UnmarshalCommittedShare(req.Share)
	if err != nil {
		return messages.Failure(interfaces.ResultFail, "malformed committed share")
	}
	if err := cs.Verify(); err != nil {
		return messages.Failure(interfaces.ResultFail, "share does not match its commitment")
	}
	inner, err := cs.Inner()
	if err != nil {
		return messages.Failure(interfaces.ResultFail, "malformed share")
	}
	if !bytes.Equal(inner.SecretID, secretID[:]) || inner.Version != req.Version {
		return messages.Failure(interfaces.ResultFail, "share belongs to another secret or version")
	}
	return messages.OK()
}

func (h *Helper) handleVerifyShare(env *messages.Envelope, from *identity.Identity, req *messages.VerifyShareRequest) messages.Body {
	resp := &messages.VerifyShareResponse{Version: req.Version, Nonce: req.Nonce}
	if _, ok := h.pairedStatus(from, env.SecretID); !ok {
		resp.Result = notPaired(from, env.SecretID)
		return resp
	}
	s, ok := h.shares[shareKey{sharer: from.EncryptionKeyDigest, secret: env.SecretID, version: req.Version}]
	if !ok {
		resp.Result = messages.Failure(interfaces.ResultUnknownShare, fmt.Sprintf("no share for version %d", req.Version))
		return resp
	}
	resp.Result = messages.OK()
	resp.Hash = share.VerificationHash(s.Committed, req.Nonce)
	return resp
}

func (h *Helper) handleGetSecretIdsVersions(env *messages.Envelope, from *identity.Identity) messages.Body {
	if _, ok := h.pairedStatus(from, env.SecretID); !ok {
		return &messages.GetSecretIdsVersionsResponse{Result: notPaired(from, env.SecretID)}
	}

	owners := []interfaces.KeyDigest{from.EncryptionKeyDigest}
	for _, prior := range h.recovered[from.EncryptionKeyDigest] {
		owners = append(owners, prior.Sharer.EncryptionKeyDigest)
	}

	versions := make(map[interfaces.SecretID][]int32)
	for k := range h.shares {
		if !slices.Contains(owners, k.sharer) || !h.readable(from, k) {
			continue
		}
		if !slices.Contains(versions[k.secret], k.version) {
			versions[k.secret] = append(versions[k.secret], k.version)
		}
	}

	ids := make([]interfaces.SecretID, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b interfaces.SecretID) int { return bytes.Compare(a[:], b[:]) })

	resp := &messages.GetSecretIdsVersionsResponse{Result: messages.OK()}
	for _, id := range ids {
		vs := versions[id]
		slices.Sort(vs)
		resp.Secrets = append(resp.Secrets, messages.VersionList{SecretID: id.Bytes(), Versions: vs})
	}
	return resp
}

// readable reports whether a share stored under k may be disclosed to from.
func (h *Helper) readable(from *identity.Identity, k shareKey) bool {
	if k.sharer == from.EncryptionKeyDigest {
		return true
	}
	for _, prior := range h.recovered[from.EncryptionKeyDigest] {
		if prior.Sharer.EncryptionKeyDigest == k.sharer && prior.SecretID == k.secret {
			return true
		}
	}
	return false
}

func (h *Helper) handleGetShare(env *messages.Envelope, from *identity.Identity, req *messages.GetShareRequest) messages.Body {
	if _, ok := h.pairedStatus(from, env.SecretID); !ok {
		return &messages.GetShareResponse{Result: notPaired(from, env.SecretID)}
	}
	secretID, err := interfaces.NewSecretIDFromBytes(req.SecretID)
	if err != nil {
		return &messages.GetShareResponse{Result: messages.Failure(interfaces.ResultUnknownSecretID, err.Error())}
	}
	s, ok := h.lookupShare(from.EncryptionKeyDigest, secretID, req.ShareVersion)
	if !ok {
		return &messages.GetShareResponse{
			Result: messages.Failure(interfaces.ResultUnknownShare, fmt.Sprintf("no share for %s version %d", secretID, req.ShareVersion)),
		}
	}
	h.log.Info("share returned", "sharer", from.String(), "secretID", secretID.String(), "version", req.ShareVersion)
	return &messages.GetShareResponse{Result: messages.OK(), CommittedShare: s.Committed}
}
