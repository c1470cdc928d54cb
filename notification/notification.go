// Package notification is the contract through which the engine reports
// protocol progress to the surrounding application and asks it for
// confirmation (pairing, recovery identity reconciliation).
package notification

import (
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
)

// Type enumerates the notifications delivered by both roles.
type Type int

const (
	// Sharer side
	HelperPaired Type = iota + 1
	HelperRefused
	HelperFailed
	HelperUnpaired
	UpdateProgress
	RecoveryComplete
	RecoveryVersionRefused

	// Helper side
	PairRequest
	RecoveryReconcile
	ShareStored
	SharerUnpaired
)

func (t Type) String() string {
	switch t {
	case HelperPaired:
		return "helper_paired"
	case HelperRefused:
		return "helper_refused"
	case HelperFailed:
		return "helper_failed"
	case HelperUnpaired:
		return "helper_unpaired"
	case UpdateProgress:
		return "update_progress"
	case RecoveryComplete:
		return "recovery_complete"
	case RecoveryVersionRefused:
		return "recovery_version_refused"
	case PairRequest:
		return "pair_request"
	case RecoveryReconcile:
		return "recovery_reconcile"
	case ShareStored:
		return "share_stored"
	case SharerUnpaired:
		return "sharer_unpaired"
	default:
		return "unknown"
	}
}

// Event is a notification with its context.
type Event struct {
	Type     Type
	SecretID interfaces.SecretID
	Version  int32
	Peer     *identity.Identity
	Message  string

	// Candidates lists the orphaned sharer records a RecoveryReconcile event
	// asks the application to choose from.
	Candidates []Candidate
}

// Candidate describes one prior pairing a Helper may map to a recovering Sharer.
type Candidate struct {
	Sharer   *identity.Identity
	SecretID interfaces.SecretID
}

// Response is the application's answer to an event.
type Response struct {
	Proceed bool
	Reason  string

	// ReferenceObject carries event-specific data; for RecoveryReconcile it is
	// the []Candidate the application confirmed.
	ReferenceObject any
}

// Listener receives events synchronously on the engine's command goroutine.
type Listener func(Event) Response

// AcceptAll proceeds on every event and, for RecoveryReconcile, confirms
// every candidate whose name and contact match the recovering peer.
func AcceptAll(ev Event) Response {
	if ev.Type != RecoveryReconcile || ev.Peer == nil {
		return Response{Proceed: true}
	}
	var confirmed []Candidate
	for _, c := range ev.Candidates {
		if c.Sharer.Name == ev.Peer.Name && c.Sharer.Contact == ev.Peer.Contact {
			confirmed = append(confirmed, c)
		}
	}
	return Response{Proceed: true, ReferenceObject: confirmed}
}

// Deliver calls l, treating a nil listener as AcceptAll.
func (l Listener) Deliver(ev Event) Response {
	if l == nil {
		return AcceptAll(ev)
	}
	return l(ev)
}
