// Package cryptoutils provides the default CryptoProvider of the recovery
// engine.
//
// Keys:
//
//   - Encryption keys are X25519 keypairs.
//   - Signature keys are Ed25519 keypairs.
//   - Key digests are Keccak-256 hashes of the public key bytes.
//
// Messages are signed, then sealed to the recipient's encryption key with an
// ephemeral X25519 exchange, HKDF-SHA256 key derivation and
// ChaCha20-Poly1305. The sealed output is
// [ephemeral public key][nonce][ciphertext].
//
// # Share splitting
//
// Split encrypts a version payload under a fresh 32-byte data key, splits the
// data key with Shamir's scheme (hashicorp/vault/shamir) and wraps each key
// share with the encrypted payload into a committed share. The commitment is
// a Merkle tree over all committed shares of the version, so a Helper can
// check that its share belongs to the set the Sharer issued.
//
// Combine verifies the commitments, requires at least two distinct key
// shares, recombines the data key and authenticates the payload with it. Any
// failure to recover a usable plaintext is reported as
// interfaces.ErrInsufficientShares; shares from different commitments are
// reported as interfaces.ErrInconsistentShares.
package cryptoutils
