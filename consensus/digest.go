package consensus

import (
	"crypto/ecdsa"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	voteArguments = abi.Arguments{
		{Type: mustType("string")},  // vote id
		{Type: mustType("string")},  // voter id
		{Type: mustType("bytes32")}, // decision hash
		{Type: mustType("bool")},    // approve
		{Type: mustType("uint64")},  // confidence, IEEE 754 bits
		{Type: mustType("string")},  // reasoning
		{Type: mustType("int64")},   // timestamp, unix nanoseconds
		{Type: mustType("bool")},    // ethical veto
	}

	resultArguments = abi.Arguments{
		{Type: mustType("bytes32")}, // decision hash
		{Type: mustType("uint8")},   // class
		{Type: mustType("uint8")},   // state
		{Type: mustType("uint64")},  // approvals
		{Type: mustType("uint64")},  // total
		{Type: mustType("bool")},    // vetoed
	}
)

// VoteDigest is the digest a voter signs. It covers every vote field except
// the signature.
func VoteDigest(v interfaces.Vote) ([]byte, error) {
	packed, err := voteArguments.Pack(
		v.ID,
		v.VoterID,
		[32]byte(v.DecisionHash),
		v.Approve,
		math.Float64bits(v.Confidence),
		v.Reasoning,
		v.Timestamp.UnixNano(),
		v.EthicalVeto,
	)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(packed), nil
}

// SignVote fills in the vote signature.
func SignVote(v interfaces.Vote, key *ecdsa.PrivateKey) (interfaces.Vote, error) {
	digest, err := VoteDigest(v)
	if err != nil {
		return v, err
	}
	sig, err := cryptoutils.NewEngine(nil).Sign(digest, key)
	if err != nil {
		return v, fmt.Errorf("failed to sign vote: %w", err)
	}
	v.Signature = sig
	return v, nil
}

// ResultDigest is the digest the coordinator signs with the master key when
// a decision resolves. The signature is what the gate endorses onto the
// ledger transaction.
func ResultDigest(r interfaces.ConsensusResult) ([]byte, error) {
	packed, err := resultArguments.Pack(
		[32]byte(r.DecisionHash),
		uint8(r.Class),
		uint8(r.State),
		uint64(r.Approvals),
		uint64(r.Total()),
		r.Vetoed,
	)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(packed), nil
}
