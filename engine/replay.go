package engine

import (
	"sync"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/derec-engine/interfaces"
)

// replayCacheSize bounds the frames remembered for duplicate detection.
const replayCacheSize = 1 << 16

type replayKey struct {
	sender      interfaces.KeyDigest
	timestampMs int64
	payload     gethcommon.Hash
}

// replayGuard remembers authenticated frames for as long as their timestamp
// could still pass the clock skew check. Safe for concurrent use.
type replayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   lru.BasicLRU[replayKey, time.Time]
}

func newReplayGuard(clockSkew time.Duration, capacity int) *replayGuard {
	return &replayGuard{
		// A timestamp accepted at now-skew stays acceptable until now+skew.
		window: 2 * clockSkew,
		seen:   lru.NewBasicLRU[replayKey, time.Time](capacity),
	}
}

func newReplayKey(sender interfaces.KeyDigest, timestamp time.Time, payload []byte) replayKey {
	return replayKey{
		sender:      sender,
		timestampMs: timestamp.UnixMilli(),
		payload:     crypto.Keccak256Hash(payload),
	}
}

// observe records key and reports whether it was already seen.
func (g *replayGuard) observe(key replayKey, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Entries are only added, never promoted, so the oldest one is the
	// first to expire.
	for {
		_, at, ok := g.seen.GetOldest()
		if !ok || now.Sub(at) <= g.window {
			break
		}
		g.seen.RemoveOldest()
	}
	if g.seen.Contains(key) {
		return true
	}
	g.seen.Add(key, now)
	return false
}

func (g *replayGuard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.Len()
}
