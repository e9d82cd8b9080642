package interfaces

import (
	"context"
)

// KeyStore holds the master key and the per-swarm ephemeral key pool.
// Every returned SecurityKey is a copy.
type KeyStore interface {
	GenerateEphemeralKey(ownerID uint32) (SecurityKey, error)
	CurrentKey(ownerID uint32) (SecurityKey, error)
	Lookup(keyID string) (SecurityKey, error)
	Master() (SecurityKey, error)
	// SignWithMaster signs a 32-byte digest and returns the signature and the
	// id of the master key that produced it.
	SignWithMaster(digest []byte) ([]byte, string, error)
	// VerifyWithKey checks a signature made by keyID. Superseded master keys
	// verify until their grace window closes.
	VerifyWithKey(keyID string, digest, sig []byte) error
	Rotate() (SecurityKey, error)
	Revoke(keyID string) error
	Sweep() int
	RotationDue() bool
	LiveKeys() int
}

// TargetRegistry tracks authorized actuation targets.
type TargetRegistry interface {
	Authorize(target Target) (Target, error)
	Revoke(targetID uint32) error
	ValidateSafety(target Target) bool
	IsAuthorized(targetID uint32) (Target, error)
	Resign() error
}

// Ledger is the append-only transaction chain.
type Ledger interface {
	// Commit prepares and appends a transaction for commandHash in one step.
	Commit(commandHash Hash, senderSig []byte, bypass bool) (Transaction, error)
	Confirm(txID string, nodeID string) (Transaction, error)
	Endorse(txID string, consensusSig []byte) (Transaction, error)
	Status(txID string) (Transaction, error)
}

// ConsensusCoordinator runs multi-party votes on decision hashes.
type ConsensusCoordinator interface {
	RequestConsensus(decisionHash Hash, class OperationClass) error
	SubmitVote(vote Vote) (DecisionState, error)
	Abort(decisionHash Hash, reason string) error
	Wait(ctx context.Context, decisionHash Hash) (ConsensusResult, error)
	Status(decisionHash Hash) (ConsensusResult, error)
}

// Transport delivers serialized command envelopes to a swarm.
type Transport interface {
	Send(ctx context.Context, swarmID uint32, targetID uint32, envelope []byte) error
}
