package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/derec-engine/interfaces"
	"go.dedis.ch/protobuf"
)

// Envelope is the logical message exchanged between peers.
type Envelope struct {
	ProtocolMajor int32
	ProtocolMinor int32
	Timestamp     time.Time
	Sender        interfaces.KeyDigest
	Receiver      interfaces.KeyDigest
	SecretID      interfaces.SecretID
	Body          Body
}

// wireEnvelope is the protobuf layout of Envelope. Exactly one body is set
// across the two body groups.
type wireEnvelope struct {
	ProtocolVersionMajor int32
	ProtocolVersionMinor int32
	TimestampMs          int64
	SenderKeyDigest      []byte
	ReceiverKeyDigest    []byte
	SecretID             []byte
	Sharer               *sharerBodies
	Helper               *helperBodies
}

type sharerBodies struct {
	PairRequest                 *PairRequest
	GetShareRequest             *GetShareRequest
	GetSecretIdsVersionsRequest *GetSecretIdsVersionsRequest
	StoreShareRequest           *StoreShareRequest
	UnpairRequest               *UnpairRequest
	VerifyShareRequest          *VerifyShareRequest
}

type helperBodies struct {
	PairResponse                 *PairResponse
	GetShareResponse             *GetShareResponse
	GetSecretIdsVersionsResponse *GetSecretIdsVersionsResponse
	StoreShareResponse           *StoreShareResponse
	UnpairResponse               *UnpairResponse
	VerifyShareResponse          *VerifyShareResponse
	ErrorResponse                *ErrorResponse
}

// Encode serializes an envelope.
func Encode(env *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ProtocolVersionMajor: env.ProtocolMajor,
		ProtocolVersionMinor: env.ProtocolMinor,
		TimestampMs:          env.Timestamp.UnixMilli(),
		SenderKeyDigest:      env.Sender.Bytes(),
		ReceiverKeyDigest:    env.Receiver.Bytes(),
		SecretID:             env.SecretID.Bytes(),
	}

	var (
		s sharerBodies
		h helperBodies
	)
	switch b := env.Body.(type) {
	case *PairRequest:
		s.PairRequest = b
	case *GetShareRequest:
		s.GetShareRequest = b
	case *GetSecretIdsVersionsRequest:
		s.GetSecretIdsVersionsRequest = b
	case *StoreShareRequest:
		s.StoreShareRequest = b
	case *UnpairRequest:
		s.UnpairRequest = b
	case *VerifyShareRequest:
		s.VerifyShareRequest = b
	case *PairResponse:
		h.PairResponse = b
	case *GetShareResponse:
		h.GetShareResponse = b
	case *GetSecretIdsVersionsResponse:
		h.GetSecretIdsVersionsResponse = b
	case *StoreShareResponse:
		h.StoreShareResponse = b
	case *UnpairResponse:
		h.UnpairResponse = b
	case *VerifyShareResponse:
		h.VerifyShareResponse = b
	case *ErrorResponse:
		h.ErrorResponse = b
	case nil:
		return nil, errors.New("envelope has no body")
	default:
		return nil, fmt.Errorf("unsupported body type %T", b)
	}

	if env.Body.Kind().FromSharer() {
		w.Sharer = &s
	} else {
		w.Helper = &h
	}
	return protobuf.Encode(&w)
}

// Decode parses an envelope and validates that it carries exactly one body.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := protobuf.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	env := &Envelope{
		ProtocolMajor: w.ProtocolVersionMajor,
		ProtocolMinor: w.ProtocolVersionMinor,
		Timestamp:     time.UnixMilli(w.TimestampMs),
	}
	var err error
	if env.Sender, err = interfaces.NewKeyDigestFromBytes(w.SenderKeyDigest); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if env.Receiver, err = interfaces.NewKeyDigestFromBytes(w.ReceiverKeyDigest); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	if env.SecretID, err = interfaces.NewSecretIDFromBytes(w.SecretID); err != nil {
		return nil, err
	}

	var bodies []Body
	if s := w.Sharer; s != nil {
		bodies = appendSet(bodies, s.PairRequest, s.GetShareRequest, s.GetSecretIdsVersionsRequest,
			s.StoreShareRequest, s.UnpairRequest, s.VerifyShareRequest)
	}
	if h := w.Helper; h != nil {
		bodies = appendSet(bodies, h.PairResponse, h.GetShareResponse, h.GetSecretIdsVersionsResponse,
			h.StoreShareResponse, h.UnpairResponse, h.VerifyShareResponse, h.ErrorResponse)
	}
	if len(bodies) != 1 {
		return nil, fmt.Errorf("envelope must carry exactly one body, got %d", len(bodies))
	}
	env.Body = bodies[0]
	return env, nil
}

// appendSet appends the non-nil bodies. Typed nil pointers are filtered by
// checking each concrete type.
func appendSet(out []Body, candidates ...Body) []Body {
	for _, c := range candidates {
		if !isNilBody(c) {
			out = append(out, c)
		}
	}
	return out
}

func isNilBody(b Body) bool {
	switch v := b.(type) {
	case *PairRequest:
		return v == nil
	case *GetShareRequest:
		return v == nil
	case *GetSecretIdsVersionsRequest:
		return v == nil
	case *StoreShareRequest:
		return v == nil
	case *UnpairRequest:
		return v == nil
	case *VerifyShareRequest:
		return v == nil
	case *PairResponse:
		return v == nil
	case *GetShareResponse:
		return v == nil
	case *GetSecretIdsVersionsResponse:
		return v == nil
	case *StoreShareResponse:
		return v == nil
	case *UnpairResponse:
		return v == nil
	case *VerifyShareResponse:
		return v == nil
	case *ErrorResponse:
		return v == nil
	default:
		return b == nil
	}
}
