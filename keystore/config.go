package keystore

import (
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
)

// Config contains the parameters of a Store.
type Config struct {
	// EphemeralLifetime is how long a per-swarm key stays valid after minting.
	EphemeralLifetime time.Duration
	// MaxEphemeralKeys caps the number of live ephemeral keys.
	MaxEphemeralKeys int
	// RotationInterval is how often the master key should be rotated.
	RotationInterval time.Duration
	// MaxKeyHistory caps the retired-key history.
	MaxKeyHistory int
	// TombstoneRetention is how long a retired key id keeps resolving to
	// expired or revoked rather than not found. It must outlast the maximum
	// envelope age plus the longest grace window. Zero selects
	// DefaultTombstoneRetention.
	TombstoneRetention time.Duration

	// Anchor returns the hash bound into every key's provenance, normally the
	// ledger tail. Nil binds the zero hash.
	Anchor func() interfaces.Hash

	Engine *cryptoutils.Engine
	Clock  clock.Clock
	Log    *slog.Logger
}

// DefaultTombstoneRetention comfortably exceeds the default envelope age plus
// one ephemeral lifetime.
const DefaultTombstoneRetention = 24 * time.Hour

// DefaultConfig returns the stock key lifecycle parameters.
func DefaultConfig() Config {
	return Config{
		EphemeralLifetime: 5 * time.Minute,
		MaxEphemeralKeys:  1000,
		RotationInterval:  time.Hour,
		MaxKeyHistory:     100,

		TombstoneRetention: DefaultTombstoneRetention,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.EphemeralLifetime <= 0 {
		return errors.New("ephemeral lifetime must be positive")
	}
	if c.MaxEphemeralKeys <= 0 {
		return errors.New("max ephemeral keys must be positive")
	}
	if c.RotationInterval <= 0 {
		return errors.New("rotation interval must be positive")
	}
	if c.MaxKeyHistory < 0 {
		return errors.New("max key history must not be negative")
	}
	if c.TombstoneRetention < 0 {
		return errors.New("tombstone retention must not be negative")
	}
	if c.TombstoneRetention > 0 && c.TombstoneRetention < c.EphemeralLifetime {
		return errors.New("tombstone retention must be at least the ephemeral lifetime")
	}
	return nil
}
