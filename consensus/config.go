package consensus

import (
	"crypto/ecdsa"
	"encoding/json"
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

// Config contains the voting parameters of a Coordinator.
type Config struct {
	// Voters is the closed voting membership with each voter's public key.
	Voters map[string]*ecdsa.PublicKey

	// ApprovalThreshold is the minimum approvals/total ratio.
	ApprovalThreshold float64
	// MinimumQuorum is the vote count a standard decision needs, and the
	// count below which a timed out decision is TIMED_OUT.
	MinimumQuorum int
	// DangerousOperationVotes is the vote count a dangerous decision needs.
	DangerousOperationVotes int
	// Timeout is how long a decision stays open.
	Timeout time.Duration

	// MaxOpenDecisions caps decisions in the OPEN state.
	MaxOpenDecisions int
	// ResolvedCacheSize is how many resolved outcomes are retained.
	ResolvedCacheSize int

	Clock   clock.Clock
	Log     *slog.Logger
	Audit   audit.Sink
	Metrics *metrics.Metrics
}

// DefaultConfig returns the stock voting parameters. Voters must be set by
// the caller.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold:       0.8,
		MinimumQuorum:           5,
		DangerousOperationVotes: 7,
		Timeout:                 10 * time.Second,
		MaxOpenDecisions:        256,
		ResolvedCacheSize:       4096,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if len(c.Voters) == 0 {
		return errors.New("no voters configured")
	}
	for id, pub := range c.Voters {
		if id == "" || pub == nil {
			return fmt.Errorf("voter %q has no public key", id)
		}
	}
	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return fmt.Errorf("approval threshold %v outside (0, 1]", c.ApprovalThreshold)
	}
	if c.MinimumQuorum <= 0 || c.MinimumQuorum > len(c.Voters) {
		return fmt.Errorf("minimum quorum %d outside [1, %d]", c.MinimumQuorum, len(c.Voters))
	}
	if c.DangerousOperationVotes < c.MinimumQuorum || c.DangerousOperationVotes > len(c.Voters) {
		return fmt.Errorf("dangerous operation votes %d outside [%d, %d]", c.DangerousOperationVotes, c.MinimumQuorum, len(c.Voters))
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.MaxOpenDecisions <= 0 || c.ResolvedCacheSize <= 0 {
		return errors.New("table sizes must be positive")
	}
	return nil
}

// Required returns the vote count a decision of the given class needs
// before it can be approved.
func (c Config) Required(class interfaces.OperationClass) int {
	if class == interfaces.ClassDangerous {
		return c.DangerousOperationVotes
	}
	return c.MinimumQuorum
}

// LoadVoters parses a voter key file of the same shape as the admin key file:
//
//	{"voters": [{"id": "ethics-1", "pubkey": "-----BEGIN PUBLIC KEY-----..."}]}
func LoadVoters(data []byte) (map[string]*ecdsa.PublicKey, error) {
	var file struct {
		Voters []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"voters"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse voter file: %w", err)
	}

	voters := make(map[string]*ecdsa.PublicKey, len(file.Voters))
	for _, v := range file.Voters {
		if _, dup := voters[v.ID]; dup {
			return nil, fmt.Errorf("duplicate voter %q", v.ID)
		}
		pub, err := cryptoutils.ParsePublicKeyPEM([]byte(v.PubKey))
		if err != nil {
			return nil, fmt.Errorf("voter %q: %w", v.ID, err)
		}
		voters[v.ID] = pub
	}
	return voters, nil
}
