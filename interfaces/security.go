package interfaces

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Hash is a 32-byte digest used for command, decision and transaction hashes.
type Hash [32]byte

// String returns hex representation.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as hex so it can be used in JSON bodies and map keys.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash, accepting an optional 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	id, err := NewContentIDFromHex(string(text))
	if err != nil {
		return err
	}
	*h = Hash(id)
	return nil
}

// HashFromHex parses a 64-char hex string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// SecurityKey is a read-only copy of a key held by the keystore. Private
// signing material never leaves the keystore; Material is a copy and may be
// zeroed by the holder once it is done with it.
type SecurityKey struct {
	ID                  string
	OwnerID             uint32
	Material            []byte
	PublicKey           *ecdsa.PublicKey
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Ephemeral           bool
	Revoked             bool
	ProvenanceHash      Hash
	ProvenanceSignature []byte
}

// KeyRecord is the metadata kept for a retired key after its material is destroyed.
type KeyRecord struct {
	ID        string    `json:"id"`
	OwnerID   uint32    `json:"owner_id"`
	Ephemeral bool      `json:"ephemeral"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	RetiredAt time.Time `json:"retired_at"`
	Reason    string    `json:"reason"`
}

// Position is a point in the actuation workspace, in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance between two positions.
func (p Position) Distance(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Finite reports whether all coordinates are finite numbers.
func (p Position) Finite() bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Target is a physical actuation target.
type Target struct {
	ID                  uint32    `json:"id"`
	Position            Position  `json:"position"`
	PrecisionRadius     float64   `json:"precision_radius"`
	SwarmID             uint32    `json:"swarm_id"`
	Kind                string    `json:"kind,omitempty"`
	Authorized          bool      `json:"authorized"`
	AuthorizedAt        time.Time `json:"authorized_at,omitempty"`
	Signature           []byte    `json:"signature,omitempty"`
	SignerKeyID         string    `json:"signer_key_id,omitempty"`
	RequiresSafetyCheck bool      `json:"requires_safety_check"`
}

// Transaction is a ledger entry recording one gated command.
type Transaction struct {
	ID                 string    `json:"id"`
	CommandHash        Hash      `json:"command_hash"`
	SenderSignature    []byte    `json:"sender_signature"`
	ConsensusSignature []byte    `json:"consensus_signature,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	BlockNumber        uint64    `json:"block_number"`
	PreviousHash       Hash      `json:"previous_hash"`
	MerkleRoot         Hash      `json:"merkle_root"`
	Bypass             bool      `json:"bypass,omitempty"`
	ValidatingNodes    []string  `json:"validating_nodes"`
	Confirmed          bool      `json:"confirmed"`
	Hash               Hash      `json:"hash"`
}

// DecisionState is the consensus state of one decision.
type DecisionState int

const (
	DecisionOpen DecisionState = iota
	DecisionApproved
	DecisionRejected
	DecisionTimedOut
)

// String returns the state name.
func (s DecisionState) String() string {
	switch s {
	case DecisionOpen:
		return "OPEN"
	case DecisionApproved:
		return "APPROVED"
	case DecisionRejected:
		return "REJECTED"
	case DecisionTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s DecisionState) Terminal() bool {
	return s != DecisionOpen
}

// MarshalText encodes the state name.
func (s DecisionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *DecisionState) UnmarshalText(text []byte) error {
	for _, c := range []DecisionState{DecisionOpen, DecisionApproved, DecisionRejected, DecisionTimedOut} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown decision state %q", text)
}

// OperationClass selects the vote-count requirement of a decision.
type OperationClass int

const (
	ClassStandard OperationClass = iota
	ClassDangerous
)

// String returns the class name.
func (c OperationClass) String() string {
	if c == ClassDangerous {
		return "dangerous"
	}
	return "standard"
}

// Vote is a signed consensus vote from one voting participant.
type Vote struct {
	ID           string    `json:"id"`
	VoterID      string    `json:"voter_id"`
	DecisionHash Hash      `json:"decision_hash"`
	Approve      bool      `json:"approve"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Signature    []byte    `json:"signature,omitempty"`
	EthicalVeto  bool      `json:"ethical_veto"`
}

// Algorithm tags the AEAD used for a command envelope.
type Algorithm string

const (
	AlgorithmAES256GCM        Algorithm = "AES_256_GCM"
	AlgorithmChaCha20Poly1305 Algorithm = "CHACHA20_POLY1305"
	AlgorithmAES256CCM        Algorithm = "AES_256_CCM"
	AlgorithmQuantumResistant Algorithm = "QUANTUM_RESISTANT"
	AlgorithmMultiLayer       Algorithm = "MULTI_LAYER"
)

// EncryptedCommand is the signed, encrypted envelope delivered to a target's
// controller. Payload is only populated on the requester and executor side.
type EncryptedCommand struct {
	CommandID                    string    `json:"command_id"`
	Target                       Target    `json:"target"`
	Payload                      []byte    `json:"-"`
	Ciphertext                   []byte    `json:"ciphertext"`
	PayloadSize                  int       `json:"payload_size"`
	Nonce                        []byte    `json:"nonce"`
	Tag                          []byte    `json:"tag"`
	Signature                    []byte    `json:"signature"`
	Algorithm                    Algorithm `json:"algorithm"`
	Timestamp                    time.Time `json:"timestamp"`
	RequiresBlockchainValidation bool      `json:"requires_blockchain_validation"`
	KeyID                        string    `json:"key_id"`
	SignerKeyID                  string    `json:"signer_key_id"`
	TransactionID                string    `json:"transaction_id,omitempty"`
	Bypass                       bool      `json:"bypass,omitempty"`
}

// ConsensusResult is the retained outcome of one decision. Signature is the
// master signature over ConsensusDigest and is what gets endorsed onto the
// ledger transaction.
type ConsensusResult struct {
	DecisionHash Hash           `json:"decision_hash"`
	Class        OperationClass `json:"class"`
	State        DecisionState  `json:"state"`
	Approvals    int            `json:"approvals"`
	Rejections   int            `json:"rejections"`
	Vetoed       bool           `json:"vetoed"`
	Reason       string         `json:"reason,omitempty"`
	OpenedAt     time.Time      `json:"opened_at"`
	ResolvedAt   time.Time      `json:"resolved_at,omitempty"`
	Signature    []byte         `json:"signature,omitempty"`
	SignerKeyID  string         `json:"signer_key_id,omitempty"`
}

// Total returns the number of votes counted.
func (r ConsensusResult) Total() int {
	return r.Approvals + r.Rejections
}
