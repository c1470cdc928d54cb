package interfaces

import "errors"

var (
	ErrUnknownSecret          = errors.New("unknown secret")
	ErrSecretClosed           = errors.New("secret is closed")
	ErrSecretRecovering       = errors.New("secret is a recovery placeholder")
	ErrUnknownHelper          = errors.New("unknown helper")
	ErrUnknownSharer          = errors.New("unknown sharer")
	ErrNotPaired              = errors.New("peer is not paired")
	ErrInsufficientShares     = errors.New("shares are insufficient to recombine the secret")
	ErrInconsistentShares     = errors.New("shares do not belong to the same commitment")
	ErrInvalidCommitment      = errors.New("share does not match its commitment")
	ErrSignatureKeyAlreadySet = errors.New("signature key already learned with a different value")
	ErrUnknownSender          = errors.New("unknown sender key digest")
	ErrUnknownReceiver        = errors.New("unknown receiver key")
	ErrBadSignature           = errors.New("bad message signature")
	ErrStaleMessage           = errors.New("message timestamp outside accepted window")
	ErrDuplicateMessage       = errors.New("message already received")
	ErrUnsupportedVersion     = errors.New("unsupported protocol version")
	ErrNotEnoughHelpers       = errors.New("not enough paired helpers to create shares")
	ErrRecoveryInProgress     = errors.New("recovery already in progress")
	ErrExecutorStopped        = errors.New("command executor stopped")
)
