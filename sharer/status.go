package sharer

import (
	"fmt"
	"time"

	"github.com/ruteri/derec-engine/interfaces"
)

type SecretSnapshot struct {
	SecretID      string            `json:"secret_id"`
	Description   string            `json:"description"`
	IsRecovering  bool              `json:"is_recovering"`
	IsClosed      bool              `json:"is_closed"`
	RecoveredFrom string            `json:"recovered_from,omitempty"`
	Versions      []VersionSnapshot `json:"versions"`
	Helpers       []HelperSnapshot  `json:"helpers"`
}

type VersionSnapshot struct {
	Version   int32 `json:"version"`
	Protected bool  `json:"protected"`
	Shares    int   `json:"shares"`
	Confirmed int   `json:"confirmed"`
}

type HelperSnapshot struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	KeyDigest    string    `json:"key_digest"`
	Status       string    `json:"status"`
	Unanswered   int       `json:"unanswered"`
	LastVerified time.Time `json:"last_verified,omitempty"`
}

// Status returns a copy of a secret's state safe to hand outside the executor.
func (s *Sharer) Status(id interfaces.SecretID) (*SecretSnapshot, error) {
	sec, ok := s.secrets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownSecret, id)
	}
	snap := &SecretSnapshot{
		SecretID:     sec.ID.String(),
		Description:  sec.Description,
		IsRecovering: sec.IsRecovering,
		IsClosed:     sec.IsClosed,
		Versions:     []VersionSnapshot{},
		Helpers:      []HelperSnapshot{},
	}
	if sec.RecoveredFrom != nil {
		snap.RecoveredFrom = sec.RecoveredFrom.String()
	}
	for _, n := range sec.VersionNumbers() {
		v := sec.versions[n]
		vs := VersionSnapshot{
			Version:   n,
			Protected: v.Protected(s.cfg.MinHelpersForSendingShares),
			Shares:    len(v.shares),
		}
		for _, r := range v.shares {
			if r.confirmed {
				vs.Confirmed++
			}
		}
		snap.Versions = append(snap.Versions, vs)
	}
	for _, h := range sec.helpers {
		snap.Helpers = append(snap.Helpers, HelperSnapshot{
			Name:         h.Helper.Name,
			Address:      h.Helper.Address,
			KeyDigest:    h.Helper.EncryptionKeyDigest.String(),
			Status:       h.Status.String(),
			Unanswered:   h.Unanswered,
			LastVerified: h.LastVerified,
		})
	}
	return snap, nil
}

// SecretIDs lists the ids of all known secrets in creation order.
func (s *Sharer) SecretIDs() []interfaces.SecretID {
	return append([]interfaces.SecretID(nil), s.order...)
}
