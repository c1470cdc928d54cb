package sharer

import (
	"errors"
	"time"
)

// Config holds the Sharer's protocol parameters.
type Config struct {
	// MinHelpersForRecovery is the lower bound of the recombination threshold
	// and the claimant count a version needs before shares are requested.
	MinHelpersForRecovery int
	// MinHelpersForSendingShares is the share count below which a version is
	// never considered protected.
	MinHelpersForSendingShares int

	// RefusedAfterMisses and FailedAfterMisses bound the consecutive
	// unanswered verification rounds tolerated from a Helper.
	RefusedAfterMisses int
	FailedAfterMisses  int

	// RemovalGracePeriod delays dropping a removed HelperStatus so in-flight
	// responses are still recognized.
	RemovalGracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinHelpersForRecovery:      2,
		MinHelpersForSendingShares: 2,
		RefusedAfterMisses:         20,
		FailedAfterMisses:          60,
		RemovalGracePeriod:         20 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MinHelpersForRecovery < 2 {
		return errors.New("min helpers for recovery must be at least 2")
	}
	if c.MinHelpersForSendingShares < 1 {
		return errors.New("min helpers for sending shares must be positive")
	}
	if c.RefusedAfterMisses < 1 || c.FailedAfterMisses <= c.RefusedAfterMisses {
		return errors.New("failed-after misses must exceed refused-after misses")
	}
	if c.RemovalGracePeriod < 0 {
		return errors.New("removal grace period must not be negative")
	}
	return nil
}

// RecoveryThreshold is the number of shares needed to recombine a version
// split across paired Helpers.
func RecoveryThreshold(paired, minHelpersForRecovery int) int {
	return max((paired+1)/2, minHelpersForRecovery)
}
