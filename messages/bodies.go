// Package messages defines the wire envelope exchanged between Sharers and
// Helpers, its protobuf encoding, and the signed-then-encrypted framing.
//
// Message bodies form a closed tagged union: every body implements Body and
// reports its Kind, and dispatch is an exhaustive switch over the concrete type.
package messages

import "github.com/ruteri/derec-engine/interfaces"

// Kind tags a message body.
type Kind int32

const (
	KindPairRequest Kind = iota + 1
	KindUnpairRequest
	KindStoreShareRequest
	KindVerifyShareRequest
	KindGetSecretIdsVersionsRequest
	KindGetShareRequest

	KindPairResponse
	KindUnpairResponse
	KindStoreShareResponse
	KindVerifyShareResponse
	KindGetSecretIdsVersionsResponse
	KindGetShareResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindPairRequest:
		return "pair_request"
	case KindUnpairRequest:
		return "unpair_request"
	case KindStoreShareRequest:
		return "store_share_request"
	case KindVerifyShareRequest:
		return "verify_share_request"
	case KindGetSecretIdsVersionsRequest:
		return "get_secret_ids_versions_request"
	case KindGetShareRequest:
		return "get_share_request"
	case KindPairResponse:
		return "pair_response"
	case KindUnpairResponse:
		return "unpair_response"
	case KindStoreShareResponse:
		return "store_share_response"
	case KindVerifyShareResponse:
		return "verify_share_response"
	case KindGetSecretIdsVersionsResponse:
		return "get_secret_ids_versions_response"
	case KindGetShareResponse:
		return "get_share_response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

// FromSharer reports whether bodies of this kind are sent by a Sharer.
func (k Kind) FromSharer() bool {
	return k >= KindPairRequest && k <= KindGetShareRequest
}

// Body is one message body variant.
type Body interface {
	Kind() Kind
}

// Result is the protocol-level outcome carried by responses.
type Result struct {
	Status interfaces.ResultStatus
	Memo   string
}

// OK is the successful result.
func OK() Result { return Result{Status: interfaces.ResultOK} }

// Failure builds a failed result.
func Failure(status interfaces.ResultStatus, memo string) Result {
	return Result{Status: status, Memo: memo}
}

// CommunicationInfo is the sender's self-description exchanged on pairing.
type CommunicationInfo struct {
	Name    string
	Contact string
	Address string
}

// ParameterRange bounds the protocol parameters a peer is willing to accept.
type ParameterRange struct {
	MinShareSize              int64
	MaxShareSize              int64
	MinTimeBetweenVerifyMs    int64
	MaxUnansweredVerification int32
}

type PairRequest struct {
	SenderKind          interfaces.SenderKind
	PublicSignatureKey  []byte
	PublicEncryptionKey []byte
	PublicKeyID         uint32
	Communication       CommunicationInfo
	Nonce               uint64
	Parameters          ParameterRange
}

type PairResponse struct {
	SenderKind         interfaces.SenderKind
	Result             Result
	PublicSignatureKey []byte
	Communication      CommunicationInfo
	Nonce              uint64
	Parameters         ParameterRange
}

type UnpairRequest struct {
	Memo string
}

type UnpairResponse struct {
	Result Result
}

// StoreShareRequest carries a committed share for Version. A request with an
// empty Share only updates the keep-list.
type StoreShareRequest struct {
	Share              []byte
	Version            int32
	KeepList           []int32
	VersionDescription string
}

type StoreShareResponse struct {
	Result  Result
	Version int32
}

type VerifyShareRequest struct {
	Version int32
	Nonce   []byte
}

type VerifyShareResponse struct {
	Result  Result
	Version int32
	Nonce   []byte
	Hash    []byte
}

type GetSecretIdsVersionsRequest struct{}

// VersionList lists the versions a Helper holds for one secret.
type VersionList struct {
	SecretID []byte
	Versions []int32
}

type GetSecretIdsVersionsResponse struct {
	Result  Result
	Secrets []VersionList
}

type GetShareRequest struct {
	SecretID     []byte
	ShareVersion int32
}

type GetShareResponse struct {
	Result         Result
	CommittedShare []byte
}

type ErrorResponse struct {
	Result Result
}

func (*PairRequest) Kind() Kind                  { return KindPairRequest }
func (*UnpairRequest) Kind() Kind                { return KindUnpairRequest }
func (*StoreShareRequest) Kind() Kind            { return KindStoreShareRequest }
func (*VerifyShareRequest) Kind() Kind           { return KindVerifyShareRequest }
func (*GetSecretIdsVersionsRequest) Kind() Kind  { return KindGetSecretIdsVersionsRequest }
func (*GetShareRequest) Kind() Kind              { return KindGetShareRequest }
func (*PairResponse) Kind() Kind                 { return KindPairResponse }
func (*UnpairResponse) Kind() Kind               { return KindUnpairResponse }
func (*StoreShareResponse) Kind() Kind           { return KindStoreShareResponse }
func (*VerifyShareResponse) Kind() Kind          { return KindVerifyShareResponse }
func (*GetSecretIdsVersionsResponse) Kind() Kind { return KindGetSecretIdsVersionsResponse }
func (*GetShareResponse) Kind() Kind             { return KindGetShareResponse }
func (*ErrorResponse) Kind() Kind                { return KindErrorResponse }
