package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/metrics"
)

// Config contains the admission thresholds and table sizes of a Gate.
type Config struct {
	// NodeID is the id this gate confirms ledger transactions with.
	NodeID string

	// ConfidenceThreshold rejects proposals below it before any other check.
	ConfidenceThreshold float64
	// EthicsThreshold routes proposals with a lower ethical score to
	// consensus.
	EthicsThreshold float64
	// SafetyThreshold routes proposals with a lower safety score to
	// consensus as dangerous operations.
	SafetyThreshold float64
	// EmergencyBypassThreshold is the confidence an emergency proposal needs.
	EmergencyBypassThreshold float64

	// ConsensusWait bounds how long Submit and Resume block on a decision
	// before returning Pending.
	ConsensusWait time.Duration
	// MaxParkedCommands caps commands waiting in the Pending state.
	MaxParkedCommands int
	// ParkedTTL is how long a parked command waits for Resume before
	// Maintain drops it.
	ParkedTTL time.Duration

	// Algorithm encrypts outgoing envelopes.
	Algorithm interfaces.Algorithm
	// ReplayCacheSize is the number of received command ids remembered.
	ReplayCacheSize int
	// MaxCommandAge rejects received envelopes older than this.
	MaxCommandAge time.Duration

	// MaintenanceInterval is the period of Run.
	MaintenanceInterval time.Duration

	Engine  *cryptoutils.Engine
	Clock   clock.Clock
	Log     *slog.Logger
	Audit   audit.Sink
	Metrics *metrics.Metrics
}

// DefaultConfig returns the stock gate parameters.
func DefaultConfig() Config {
	return Config{
		NodeID:                   "gate",
		ConfidenceThreshold:      0.85,
		EthicsThreshold:          0.95,
		SafetyThreshold:          0.98,
		EmergencyBypassThreshold: 0.95,
		ConsensusWait:            15 * time.Second,
		MaxParkedCommands:        64,
		ParkedTTL:                time.Minute,
		Algorithm:                interfaces.AlgorithmAES256GCM,
		ReplayCacheSize:          8192,
		MaxCommandAge:            5 * time.Minute,
		MaintenanceInterval:      10 * time.Second,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id must be set")
	}
	for name, v := range map[string]float64{
		"confidence threshold":       c.ConfidenceThreshold,
		"ethics threshold":           c.EthicsThreshold,
		"safety threshold":           c.SafetyThreshold,
		"emergency bypass threshold": c.EmergencyBypassThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %v outside [0, 1]", name, v)
		}
	}
	if c.EmergencyBypassThreshold < c.ConfidenceThreshold {
		return errors.New("emergency bypass threshold below confidence threshold")
	}
	if c.ConsensusWait <= 0 || c.ParkedTTL <= 0 || c.MaintenanceInterval <= 0 {
		return errors.New("durations must be positive")
	}
	if c.MaxParkedCommands <= 0 || c.ReplayCacheSize <= 0 {
		return errors.New("table sizes must be positive")
	}
	switch c.Algorithm {
	case interfaces.AlgorithmAES256GCM, interfaces.AlgorithmChaCha20Poly1305:
	default:
		return fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAlgorithm, c.Algorithm)
	}
	return nil
}
