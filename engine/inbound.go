package engine

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/ruteri/derec-engine/common"
	"github.com/ruteri/derec-engine/executor"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
	"github.com/ruteri/derec-engine/transport"
)

// Drop reasons reported to logs and metrics.
const (
	dropMalformed         = "malformed"
	dropUnknownReceiver   = "unknown_receiver"
	dropUnsupported       = "unsupported_version"
	dropStale             = "stale"
	dropReplayed          = "replayed"
	dropUnknownSender     = "unknown_sender"
	dropBadSignature      = "bad_signature"
	dropSignatureMismatch = "signature_key_mismatch"
	dropWrongRole         = "wrong_role"
)

type dropError struct {
	reason string
	err    error
}

func (d *dropError) Error() string { return d.reason + ": " + d.err.Error() }
func (d *dropError) Unwrap() error { return d.err }

func drop(reason string, err error) error {
	return &dropError{reason: reason, err: err}
}

// inbound is an authenticated envelope and the peer that sent it.
type inbound struct {
	env  *messages.Envelope
	peer *identity.Identity
}

// HandleInboundBytes authenticates a frame and queues it for its role.
// Frames failing authentication are dropped without an error so that the
// sender learns nothing about why.
func (e *Engine) HandleInboundBytes(data []byte) error {
	if !e.running.Load() {
		return transport.NewRequestError(http.StatusServiceUnavailable, interfaces.ErrExecutorStopped)
	}
	in, err := e.authenticate(data)
	if err != nil {
		reason := dropMalformed
		var d *dropError
		if errors.As(err, &d) {
			reason = d.reason
		}
		e.metrics.MessageDropped(reason)
		e.log.Debug("inbound message dropped", "reason", reason, "err", err)
		return nil
	}

	kind := in.env.Body.Kind()
	e.metrics.MessageReceived(kind.String())
	executor.Do(e.exec, executor.KindMessageReceived, func() error {
		return e.dispatch(in)
	})
	return nil
}

func (e *Engine) authenticate(data []byte) (*inbound, error) {
	kid, err := messages.KeyIDOf(data)
	if err != nil {
		return nil, drop(dropMalformed, err)
	}
	local, ok := e.registry.LocalByKeyID(kid)
	if !ok {
		return nil, drop(dropUnknownReceiver, fmt.Errorf("%w: key id %d", interfaces.ErrUnknownReceiver, kid))
	}
	sealed, err := messages.Open(e.cp, data, local.PrivateEncryptionKey)
	if err != nil {
		return nil, drop(dropMalformed, err)
	}
	env := sealed.Envelope

	if env.ProtocolMajor != common.ProtocolVersionMajor {
		return nil, drop(dropUnsupported, fmt.Errorf("%w: %d.%d", interfaces.ErrUnsupportedVersion, env.ProtocolMajor, env.ProtocolMinor))
	}
	if env.Receiver != local.EncryptionKeyDigest {
		return nil, drop(dropUnknownReceiver, interfaces.ErrUnknownReceiver)
	}
	if skew := e.now().Sub(env.Timestamp).Abs(); skew > e.cfg.ClockSkew {
		return nil, drop(dropStale, fmt.Errorf("%w: off by %s", interfaces.ErrStaleMessage, skew))
	}
	if err := e.checkRole(local, env.Body.Kind()); err != nil {
		return nil, err
	}

	peer, signKey, err := e.sender(env)
	if err != nil {
		return nil, err
	}
	if !e.cp.Verify(sealed.Payload, sealed.Signature, signKey) {
		return nil, drop(dropBadSignature, interfaces.ErrBadSignature)
	}
	if e.replay.observe(newReplayKey(env.Sender, env.Timestamp, sealed.Payload), e.now()) {
		return nil, drop(dropReplayed, interfaces.ErrDuplicateMessage)
	}
	if _, isPair := env.Body.(*messages.PairRequest); isPair {
		peer = e.registry.AddPeer(peer)
		if err := e.registry.LearnSignatureKey(e.cp, peer, signKey); err != nil {
			return nil, drop(dropSignatureMismatch, err)
		}
	}
	return &inbound{env: env, peer: peer}, nil
}

// checkRole rejects bodies addressed to a local identity of the wrong role.
func (e *Engine) checkRole(local *identity.LibIdentity, kind messages.Kind) error {
	if kind.FromSharer() {
		if e.helper == nil || e.helper.Identity() != local {
			return drop(dropWrongRole, fmt.Errorf("%s for a non-helper identity", kind))
		}
		return nil
	}
	if e.sharer == nil || e.sharer.Identity() != local {
		return drop(dropWrongRole, fmt.Errorf("%s for a non-sharer identity", kind))
	}
	return nil
}

// sender resolves the envelope's sender and the key that must have signed
// it. Pair requests introduce their sender; a pair response may carry the
// helper's signature key the first time.
func (e *Engine) sender(env *messages.Envelope) (*identity.Identity, []byte, error) {
	known, isKnown := e.registry.Peer(env.Sender)

	switch b := env.Body.(type) {
	case *messages.PairRequest:
		claimed, err := identity.NewIdentity(e.cp, b.Communication.Name, b.Communication.Contact,
			b.Communication.Address, b.PublicEncryptionKey, b.PublicSignatureKey)
		if err != nil {
			return nil, nil, drop(dropMalformed, err)
		}
		if claimed.EncryptionKeyDigest != env.Sender || len(b.PublicSignatureKey) == 0 {
			return nil, nil, drop(dropUnknownSender, interfaces.ErrUnknownSender)
		}
		if isKnown {
			if key := known.PublicSignatureKey(); key != nil && !bytes.Equal(key, b.PublicSignatureKey) {
				return nil, nil, drop(dropSignatureMismatch, interfaces.ErrSignatureKeyAlreadySet)
			}
			return known, b.PublicSignatureKey, nil
		}
		return claimed, b.PublicSignatureKey, nil

	case *messages.PairResponse:
		if !isKnown {
			return nil, nil, drop(dropUnknownSender, interfaces.ErrUnknownSender)
		}
		key := known.PublicSignatureKey()
		switch {
		case key == nil && len(b.PublicSignatureKey) > 0:
			key = b.PublicSignatureKey
		case key != nil && len(b.PublicSignatureKey) > 0 && !bytes.Equal(key, b.PublicSignatureKey):
			return nil, nil, drop(dropSignatureMismatch, interfaces.ErrSignatureKeyAlreadySet)
		}
		if key == nil {
			return nil, nil, drop(dropUnknownSender, interfaces.ErrUnknownSender)
		}
		return known, key, nil

	default:
		if !isKnown || known.PublicSignatureKey() == nil {
			return nil, nil, drop(dropUnknownSender, interfaces.ErrUnknownSender)
		}
		return known, known.PublicSignatureKey(), nil
	}
}

// dispatch runs inside a MessageReceived command.
func (e *Engine) dispatch(in *inbound) error {
	if !in.env.Body.Kind().FromSharer() {
		return e.sharer.HandleMessage(in.env, in.peer)
	}
	resp, err := e.helper.HandleMessage(in.env, in.peer)
	if err != nil {
		return err
	}
	if resp != nil {
		e.send(e.helper.Identity(), in.peer, in.env.SecretID, resp, nil)
	}
	return nil
}
