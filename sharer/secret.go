package sharer

import (
	"slices"
	"time"

	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
)

// HelperStatus is the Sharer's view of one Helper of one secret.
type HelperStatus struct {
	Helper       *identity.Identity
	Status       interfaces.PairingStatus
	LastVerified time.Time

	// Unanswered counts consecutive verification rounds without a correct answer.
	Unanswered int

	pairNonce uint64

	// versionsReported is set once a recovery Helper answered GetSecretIdsVersions.
	versionsReported bool

	// lastShare is the newest share assigned to the Helper. It keeps a
	// refused Helper verifiable after its versions were pruned.
	lastShare *ShareRecord
}

func (h *HelperStatus) digest() interfaces.KeyDigest {
	return h.Helper.EncryptionKeyDigest
}

// ShareRecord is the Sharer-local copy of a share, kept to track confirmation.
type ShareRecord struct {
	helper    *HelperStatus
	version   int32
	committed []byte
	confirmed bool
	nonce     []byte
}

func (r *ShareRecord) Confirmed() bool { return r.confirmed }

// Version is one immutable payload of a secret and its share assignment.
type Version struct {
	Number  int32
	Payload []byte

	shares            []*ShareRecord
	protectedNotified bool
}

// Shares returns the share records in Helper order.
func (v *Version) Shares() []*ShareRecord { return v.shares }

func (v *Version) share(h *HelperStatus) *ShareRecord {
	for _, r := range v.shares {
		if r.helper == h {
			return r
		}
	}
	return nil
}

// Protected reports whether at least minShares shares exist and at least
// half of them are confirmed.
func (v *Version) Protected(minShares int) bool {
	total := len(v.shares)
	if total == 0 || total < minShares {
		return false
	}
	confirmed := 0
	for _, r := range v.shares {
		if r.confirmed {
			confirmed++
		}
	}
	return 2*confirmed >= total
}

// Secret is a protected secret with its retained versions and Helpers.
type Secret struct {
	ID          interfaces.SecretID
	Description string

	IsRecovering bool
	IsClosed     bool

	// RecoveredFrom is the owner identity the secret was shared under
	// before it was recovered onto this device.
	RecoveredFrom *identity.Identity

	versions   map[int32]*Version
	maxVersion int32
	helpers    []*HelperStatus

	prunePending bool
}

func newSecret(id interfaces.SecretID, description string) *Secret {
	return &Secret{
		ID:          id,
		Description: description,
		versions:    make(map[int32]*Version),
	}
}

// VersionNumbers returns the retained version numbers in ascending order.
func (s *Secret) VersionNumbers() []int32 {
	nums := make([]int32, 0, len(s.versions))
	for n := range s.versions {
		nums = append(nums, n)
	}
	slices.Sort(nums)
	return nums
}

// Version returns a retained version.
func (s *Secret) Version(n int32) (*Version, bool) {
	v, ok := s.versions[n]
	return v, ok
}

// MaxVersion is the highest version number ever assigned.
func (s *Secret) MaxVersion() int32 { return s.maxVersion }

// Helpers returns the Helper statuses in insertion order.
func (s *Secret) Helpers() []*HelperStatus { return s.helpers }

func (s *Secret) helper(d interfaces.KeyDigest) *HelperStatus {
	for _, h := range s.helpers {
		if h.digest() == d {
			return h
		}
	}
	return nil
}

func (s *Secret) helpersWith(status interfaces.PairingStatus) []*HelperStatus {
	var out []*HelperStatus
	for _, h := range s.helpers {
		if h.Status == status {
			out = append(out, h)
		}
	}
	return out
}

// removeHelper deletes exactly the entry h and reports whether it was present.
func (s *Secret) removeHelper(h *HelperStatus) bool {
	n := len(s.helpers)
	s.helpers = slices.DeleteFunc(s.helpers, func(c *HelperStatus) bool { return c == h })
	return len(s.helpers) != n
}

func (s *Secret) replaceHelper(old, h *HelperStatus) {
	if i := slices.Index(s.helpers, old); i >= 0 {
		s.helpers[i] = h
	}
}

// latestPayload returns the payload of the highest protected version, or of
// the highest version when none is protected.
func (s *Secret) latestPayload(minShares int) ([]byte, bool) {
	nums := s.VersionNumbers()
	for i := len(nums) - 1; i >= 0; i-- {
		if v := s.versions[nums[i]]; v.Protected(minShares) {
			return v.Payload, true
		}
	}
	if len(nums) == 0 {
		return nil, false
	}
	return s.versions[nums[len(nums)-1]].Payload, true
}

// pruneBelowProtected drops every version older than the highest protected
// one and reports whether anything was dropped.
func (s *Secret) pruneBelowProtected(minShares int) bool {
	nums := s.VersionNumbers()
	highest := int32(-1)
	for i := len(nums) - 1; i >= 0; i-- {
		if s.versions[nums[i]].Protected(minShares) {
			highest = nums[i]
			break
		}
	}
	if highest < 0 {
		return false
	}
	pruned := false
	for _, n := range nums {
		if n < highest {
			delete(s.versions, n)
			pruned = true
		}
	}
	return pruned
}
