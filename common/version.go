package common

// PackageName is used as the metrics namespace.
const PackageName = "derec"

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"

// Protocol version carried in every envelope.
const (
	ProtocolVersionMajor int32 = 0
	ProtocolVersionMinor int32 = 9
)
