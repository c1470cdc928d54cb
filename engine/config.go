package engine

import (
	"errors"
	"time"

	"github.com/ruteri/derec-engine/helper"
	"github.com/ruteri/derec-engine/sharer"
)

type Config struct {
	// TickInterval is the period of the periodic driver.
	TickInterval time.Duration
	// SendTimeout bounds each outbound transport call.
	SendTimeout time.Duration
	// SendConcurrency caps the number of outbound sends in flight.
	SendConcurrency int
	// ClockSkew is how far an envelope timestamp may be from local time.
	ClockSkew time.Duration

	Sharer sharer.Config
	Helper helper.Config
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Second,
		SendTimeout:     5 * time.Second,
		SendConcurrency: 16,
		ClockSkew:       10 * time.Minute,
		Sharer:          sharer.DefaultConfig(),
		Helper:          helper.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}
	if c.SendConcurrency < 1 {
		return errors.New("send concurrency must be at least 1")
	}
	if c.ClockSkew <= 0 {
		return errors.New("clock skew window must be positive")
	}
	return c.Sharer.Validate()
}
