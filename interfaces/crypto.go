package interfaces

// CryptoProvider is the cryptographic capability consumed by the protocol engine.
type CryptoProvider interface {
	// GenerateEncryptionKeypair returns a fresh public/private encryption keypair.
	GenerateEncryptionKeypair() (public, private []byte, err error)

	// GenerateSignatureKeypair returns a fresh public/private signature keypair.
	GenerateSignatureKeypair() (public, private []byte, err error)

	// Split protects payload and splits it into n serialized committed shares of
	// which threshold are needed to recombine it.
	Split(secretID SecretID, version int32, payload []byte, n, threshold int) ([][]byte, error)

	// Combine recombines serialized committed shares of one version. It returns
	// ErrInsufficientShares when the shares do not yield a usable plaintext.
	Combine(secretID SecretID, version int32, shares [][]byte) ([]byte, error)

	// SignThenEncrypt signs payload and encrypts signature||payload to the peer.
	SignThenEncrypt(payload, privateSignKey, peerPublicEncKey []byte) ([]byte, error)

	// Decrypt opens data sealed by SignThenEncrypt, returning signature||payload.
	Decrypt(data, privateEncKey []byte) ([]byte, error)

	// Verify checks signature over payload with publicSignKey.
	Verify(payload, signature, publicSignKey []byte) bool

	// Digest hashes a public key into a KeyDigest.
	Digest(publicKey []byte) KeyDigest
}

// SignatureSize is the length of the signature prefix inside a sealed frame.
const SignatureSize = 64
