// Package interfaces defines the core types and contracts shared by the
// recovery protocol engine.
//
// This package provides the contracts between the protocol state machines and
// their external collaborators without including implementation details:
//
//   - CryptoProvider: key generation, Shamir split/combine of committed shares,
//     sign-then-encrypt sealing and signature verification
//   - Transport: delivery of opaque wire bytes to a peer URI
//
// # Type Definitions
//
//   - SecretID: fixed-length opaque identifier of a secret
//   - KeyDigest: 32-byte digest of a public key, used to address peers in envelopes
//   - PublicKeyID: 32-bit id selecting the local private key on inbound frames
//   - PairingStatus: shared pairing state enum for HelperStatus and SharerStatus
//   - SenderKind: role declared by the sender of a Pair request/response
//   - ResultStatus: protocol-level result carried in responses
//
// # Error Types
//
// Sentinel errors are defined in errors.go and compared with errors.Is.
package interfaces
